package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/models"
	"github.com/mkorolev/listsync/internal/server/repositories/events"
	"github.com/mkorolev/listsync/internal/server/repositories/records"
	"github.com/mkorolev/listsync/internal/server/repositories/shares"
)

// In-memory repositories. The coordinator's transaction handle is ignored:
// these fakes are only exercised through the coordinator, which already
// serializes writers per record.

type fakeRecords struct {
	mu   sync.Mutex
	rows map[string]*models.Record
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string]*models.Record)}
}

func (f *fakeRecords) Get(ctx context.Context, id string) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRecords) Insert(ctx context.Context, r *models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rows[r.ID] = &cp
	return nil
}

func (f *fakeRecords) Update(ctx context.Context, r *models.Record, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rows[r.ID]
	if !ok || existing.Version != expectedVersion {
		return common.ErrVersionConflict
	}
	cp := *r
	f.rows[r.ID] = &cp
	return nil
}

func (f *fakeRecords) ListByList(ctx context.Context, listID string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []models.Record
	for _, r := range f.rows {
		if r.ListID == listID {
			result = append(result, *r)
		}
	}
	return result, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	rows []models.Event
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{}
}

func (f *fakeEvents) Append(ctx context.Context, e *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next int64 = 1
	if n := len(f.rows); n > 0 {
		next = f.rows[n-1].Sequence + 1
	}
	e.Sequence = next
	f.rows = append(f.rows, *e)
	return nil
}

func (f *fakeEvents) SinceSequence(ctx context.Context, listID string, seq int64, limit int) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []models.Event
	for _, e := range f.rows {
		if e.ListID == listID && e.Sequence > seq {
			result = append(result, e)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (f *fakeEvents) ByIdempotencyToken(ctx context.Context, token string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		e := f.rows[i]
		if e.Kind == protocol.EventKindChange && e.IdempotencyToken == token {
			return &e, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeEvents) LatestSequence(ctx context.Context, listID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, e := range f.rows {
		if e.ListID == listID && e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (f *fakeEvents) MinSequence(ctx context.Context, listID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var min int64
	for _, e := range f.rows {
		if e.ListID == listID && (min == 0 || e.Sequence < min) {
			min = e.Sequence
		}
	}
	return min, nil
}

func (f *fakeEvents) PageBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []models.Event
	for _, e := range f.rows {
		if e.Timestamp.Before(cutoff) {
			result = append(result, e)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (f *fakeEvents) DeleteThrough(ctx context.Context, seq int64, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.Event
	var removed int64
	for _, e := range f.rows {
		if e.Sequence <= seq && e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakeEvents) all() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]models.Event, len(f.rows))
	copy(cp, f.rows)
	return cp
}

type fakeShares struct {
	mu   sync.Mutex
	rows map[string]string // listID + "/" + userID -> level
}

func newFakeShares() *fakeShares {
	return &fakeShares{rows: make(map[string]string)}
}

func (f *fakeShares) Level(ctx context.Context, listID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	level, ok := f.rows[listID+"/"+userID]
	if !ok {
		return "", common.ErrNotFound
	}
	return level, nil
}

func (f *fakeShares) Grant(ctx context.Context, s *models.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ListID+"/"+s.UserID] = s.Level
	return nil
}

type fakeRepoManager struct {
	records *fakeRecords
	events  *fakeEvents
	shares  *fakeShares
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		records: newFakeRecords(),
		events:  newFakeEvents(),
		shares:  newFakeShares(),
	}
}

func (m *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }

func (m *fakeRepoManager) Records(db dbx.DBTX) records.Repository { return m.records }
func (m *fakeRepoManager) Events(db dbx.DBTX) events.Repository   { return m.events }
func (m *fakeRepoManager) Shares(db dbx.DBTX) shares.Repository   { return m.shares }

// overrideRepoManager swaps individual repositories over the shared fakes.
type overrideRepoManager struct {
	*fakeRepoManager
	recs records.Repository
	evs  events.Repository
}

func (m *overrideRepoManager) Records(db dbx.DBTX) records.Repository {
	if m.recs != nil {
		return m.recs
	}
	return m.fakeRepoManager.Records(db)
}

func (m *overrideRepoManager) Events(db dbx.DBTX) events.Repository {
	if m.evs != nil {
		return m.evs
	}
	return m.fakeRepoManager.Events(db)
}

// peerRacedRecords runs fn once immediately before the first Update, standing
// in for a peer instance committing between this instance's read and its
// compare-and-swap write.
type peerRacedRecords struct {
	records.Repository
	once sync.Once
	fn   func()
}

func (w *peerRacedRecords) Update(ctx context.Context, r *models.Record, expectedVersion int64) error {
	w.once.Do(w.fn)
	return w.Repository.Update(ctx, r, expectedVersion)
}

// racedEvents stands in for a peer instance resolving the same idempotency
// token first: the initial lookup misses, the first append commits the peer's
// event and fails as a duplicate, and the follow-up lookup finds it.
type racedEvents struct {
	events.Repository
	peer   *models.Event
	missed bool
}

func (w *racedEvents) ByIdempotencyToken(ctx context.Context, token string) (*models.Event, error) {
	if !w.missed {
		w.missed = true
		return nil, common.ErrNotFound
	}
	return w.Repository.ByIdempotencyToken(ctx, token)
}

func (w *racedEvents) Append(ctx context.Context, e *models.Event) error {
	if w.peer != nil {
		p := w.peer
		w.peer = nil
		if err := w.Repository.Append(ctx, p); err != nil {
			return err
		}
		return fmt.Errorf("%w: idempotency token already resolved", common.ErrDuplicateSubmission)
	}
	return w.Repository.Append(ctx, e)
}
