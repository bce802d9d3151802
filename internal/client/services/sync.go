// Package services implements the client's sync logic: optimistic local
// writes, application of server events onto the local cache, and the
// reconciliation engine that replays the offline queue after reconnect.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mkorolev/listsync/internal/client/cache"
	"github.com/mkorolev/listsync/internal/client/models"
	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
)

// Transport is the live connection surface the service submits through.
type Transport interface {
	Online() bool
	Subscribe(ctx context.Context, listID string, sinceSeq int64) error
	Submit(ctx context.Context, m protocol.Mutate) (*protocol.Ack, error)
}

// Fallback is the request/response surface used when the socket is down and
// for snapshot fetches.
type Fallback interface {
	SubmitMutation(ctx context.Context, m protocol.Mutate) (*protocol.Ack, error)
	FetchSnapshot(ctx context.Context, listID string) (*protocol.SnapshotResponse, error)
	FetchEvents(ctx context.Context, listID string, sinceSeq int64) (*protocol.SnapshotResponse, error)
}

// SyncService owns the local cache and keeps it converging with the server.
type SyncService struct {
	repos     *cache.Repositories
	transport Transport
	fallback  Fallback
	logger    logging.Logger

	now func() time.Time
}

func NewSyncService(repos *cache.Repositories, t Transport, f Fallback, l logging.Logger) *SyncService {
	return &SyncService{
		repos:     repos,
		transport: t,
		fallback:  f,
		logger:    l.With("module", "sync"),
		now:       time.Now,
	}
}

// CreateList optimistically creates a list record and returns its id.
func (s *SyncService) CreateList(ctx context.Context, title string) (string, error) {
	id := uuid.New().String()
	err := s.apply(ctx, &models.Record{
		ID:     id,
		ListID: id,
		Kind:   protocol.RecordKindList,
	}, map[string]any{"title": title})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddTodo optimistically creates a todo in a list and returns its id.
func (s *SyncService) AddTodo(ctx context.Context, listID, title string) (string, error) {
	id := uuid.New().String()
	err := s.apply(ctx, &models.Record{
		ID:     id,
		ListID: listID,
		Kind:   protocol.RecordKindTodo,
	}, map[string]any{"title": title, "done": false})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRecord optimistically applies a field change to an existing record.
func (s *SyncService) UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error {
	rec, err := s.repos.Records.GetByID(ctx, recordID)
	if err != nil {
		return err
	}
	return s.apply(ctx, rec, fields)
}

// apply is the optimistic write path: update the shadow copy, then either
// submit immediately or park the mutation in the offline queue. The
// idempotency token is minted once here and survives every retry.
func (s *SyncService) apply(ctx context.Context, rec *models.Record, fields map[string]any) error {
	baseVersion := rec.Version

	// Pre-mutation shadow for rollback when the server rejects outright.
	prior, err := s.repos.Records.GetByID(ctx, rec.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	merged := make(map[string]any, len(rec.Fields)+len(fields))
	for k, v := range rec.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	rec.Fields = merged
	rec.Pending = true
	rec.UpdatedAt = s.now()
	if err := s.repos.Records.Upsert(ctx, rec); err != nil {
		return err
	}

	m := protocol.Mutate{
		RecordID:         rec.ID,
		ListID:           rec.ListID,
		Kind:             rec.Kind,
		BaseVersion:      baseVersion,
		Fields:           fields,
		IdempotencyToken: uuid.New().String(),
	}

	if !s.transport.Online() {
		return s.enqueue(ctx, m)
	}

	ack, err := s.transport.Submit(ctx, m)
	if errors.Is(err, common.ErrTransportUnavailable) {
		return s.enqueue(ctx, m)
	}
	if err != nil {
		s.rollback(ctx, rec.ID, prior)
		return err
	}
	return s.ApplyEvent(ctx, ack.Event)
}

// rollback undoes a rejected optimistic write: the pre-mutation shadow is
// restored, or the record removed entirely when the rejection hit a create.
func (s *SyncService) rollback(ctx context.Context, recordID string, prior *models.Record) {
	var err error
	if prior == nil {
		err = s.repos.Records.Delete(ctx, recordID)
	} else {
		err = s.repos.Records.Upsert(ctx, prior)
	}
	if err != nil {
		s.logger.Warn(ctx, "rollback of rejected mutation failed", "record_id", recordID, "error", err)
	}
}

func (s *SyncService) enqueue(ctx context.Context, m protocol.Mutate) error {
	e := &models.QueueEntry{
		RecordID:         m.RecordID,
		ListID:           m.ListID,
		Kind:             m.Kind,
		BaseVersion:      m.BaseVersion,
		Fields:           m.Fields,
		IdempotencyToken: m.IdempotencyToken,
		CreatedAt:        s.now(),
	}
	if err := s.repos.Queue.Enqueue(ctx, e); err != nil {
		return err
	}
	s.logger.Info(ctx, "mutation queued offline", "record_id", m.RecordID, "token", m.IdempotencyToken)
	return nil
}

// ApplyEvent folds one server event into the cache. Server state always
// replaces the local guess, whatever the optimistic overlay said; conflict
// audit events carry no record state and only advance the cursor.
func (s *SyncService) ApplyEvent(ctx context.Context, ev protocol.Event) error {
	if ev.Record != nil {
		rec := &models.Record{}
		rec.FromWire(ev.Record)
		if err := s.repos.Records.Upsert(ctx, rec); err != nil {
			return err
		}
	}

	cursor, err := s.repos.Cursors.Get(ctx, ev.ListID)
	if err != nil {
		return err
	}
	if ev.Sequence > cursor {
		return s.repos.Cursors.Set(ctx, ev.ListID, ev.Sequence)
	}
	return nil
}

// Snapshot returns the cached records of a list.
func (s *SyncService) Snapshot(ctx context.Context, listID string) ([]models.Record, error) {
	return s.repos.Records.GetByList(ctx, listID)
}

// PendingCount returns the number of queued offline mutations.
func (s *SyncService) PendingCount(ctx context.Context) (int, error) {
	return s.repos.Queue.Len(ctx)
}

// Reconcile catches a list up after a reconnect: fetch the events the client
// missed (or resnapshot when the cursor fell behind retention), then replay
// the offline queue in submission order.
func (s *SyncService) Reconcile(ctx context.Context, listID string) error {
	cursor, err := s.repos.Cursors.Get(ctx, listID)
	if err != nil {
		return err
	}

	snap, err := s.fallback.FetchEvents(ctx, listID, cursor)
	if errors.Is(err, common.ErrRetentionExceeded) {
		if err := s.Resnapshot(ctx, listID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		for _, ev := range snap.Events {
			if err := s.ApplyEvent(ctx, ev); err != nil {
				return err
			}
		}
	}

	return s.ReplayQueue(ctx)
}

// Resnapshot discards the local copy of a list and rebuilds it from the
// server's current state.
func (s *SyncService) Resnapshot(ctx context.Context, listID string) error {
	snap, err := s.fallback.FetchSnapshot(ctx, listID)
	if err != nil {
		return err
	}

	if err := s.repos.Records.DeleteByList(ctx, listID); err != nil {
		return err
	}
	for i := range snap.Records {
		rec := &models.Record{}
		rec.FromWire(&snap.Records[i])
		if err := s.repos.Records.Upsert(ctx, rec); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "resnapshot complete", "list_id", listID, "records", len(snap.Records))
	return s.repos.Cursors.Set(ctx, listID, snap.LatestSequence)
}

// ReplayQueue submits queued mutations oldest first. Each entry is re-based
// on the current known version of its record but keeps its original
// idempotency token, so a retry of an already-resolved entry collapses into
// the prior result. The server's decision is authoritative: accepted and
// conflicted entries both leave the queue, permanently rejected ones are
// dropped with a log line.
func (s *SyncService) ReplayQueue(ctx context.Context) error {
	entries, err := s.repos.Queue.All(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		e := &entries[i]

		baseVersion := e.BaseVersion
		if rec, err := s.repos.Records.GetByID(ctx, e.RecordID); err == nil && !rec.Pending {
			baseVersion = rec.Version
		}

		ack, err := s.submit(ctx, e.Mutate(baseVersion))
		switch {
		case errors.Is(err, common.ErrTransportUnavailable):
			// Connection dropped mid-replay; the rest of the queue waits
			// for the next reconcile.
			return err
		case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrPermissionDenied):
			s.logger.Warn(ctx, "dropping rejected queue entry",
				"record_id", e.RecordID, "token", e.IdempotencyToken, "error", err)
			if err := s.repos.Queue.DeleteByToken(ctx, e.IdempotencyToken); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if err := s.ApplyEvent(ctx, ack.Event); err != nil {
			return err
		}
		if err := s.repos.Queue.DeleteByToken(ctx, e.IdempotencyToken); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) submit(ctx context.Context, m protocol.Mutate) (*protocol.Ack, error) {
	if s.transport.Online() {
		return s.transport.Submit(ctx, m)
	}
	return s.fallback.SubmitMutation(ctx, m)
}
