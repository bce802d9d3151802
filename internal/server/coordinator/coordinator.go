// Package coordinator orchestrates the full mutation path: idempotency check,
// per-record serialization, validation, the transactional record write and
// event append, broker publish, and metrics. It is the only writer path into
// the store and the event log.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/broker"
	"github.com/mkorolev/listsync/internal/server/metrics"
	"github.com/mkorolev/listsync/internal/server/models"
	"github.com/mkorolev/listsync/internal/server/repositories/repomanager"
	"github.com/mkorolev/listsync/internal/server/validator"
)

// defaults for transient-failure retries against the store.
const (
	defaultStoreAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
	catchupPageSize      = 500

	// casAttempts bounds the re-read/re-decide loop when a peer instance
	// wins the version CAS between our read and our write.
	casAttempts = 3
)

// Result is the resolution of one submitted mutation.
type Result struct {
	// Event is the change event produced (or, for duplicates, previously
	// produced) by the mutation.
	Event *models.Event

	// ConflictAudit is the audit event written when the mutation's base
	// version was stale; nil on a clean accept.
	ConflictAudit *models.Event

	// Duplicate is set when the idempotency token was already resolved and
	// Event is the prior result.
	Duplicate bool
}

// Coordinator serializes mutations per record and owns the write path.
type Coordinator struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	val     *validator.Validator
	broker  broker.Broker
	logger  logging.Logger
	metrics *metrics.Metrics
	locks   *keyMutex

	storeAttempts uint64
	retryBase     time.Duration
}

// New wires a coordinator. metrics may be nil in tests.
func New(db *sql.DB, repos repomanager.RepositoryManager, b broker.Broker, logger logging.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		db:            db,
		repos:         repos,
		val:           validator.New(),
		broker:        b,
		logger:        logger.With("component", "coordinator"),
		metrics:       m,
		locks:         newKeyMutex(),
		storeAttempts: defaultStoreAttempts,
		retryBase:     defaultRetryBase,
	}
}

// Submit resolves one mutation exactly once. Outcomes:
//
//   - clean accept: Result.Event holds the new state, no audit event
//   - stale base: last-write-wins accept plus Result.ConflictAudit
//   - replayed idempotency token: Result.Duplicate with the prior event
//   - missing record / no write permission: common.ErrNotFound or
//     common.ErrPermissionDenied, no state change, no event
//   - store unreachable after bounded retries: common.ErrTransportUnavailable
func (c *Coordinator) Submit(ctx context.Context, m *models.Mutation) (*Result, error) {
	c.locks.Lock(m.RecordID)
	defer c.locks.Unlock(m.RecordID)

	if result, ok, err := c.priorResult(ctx, m); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		result, err := c.resolve(ctx, m)
		switch {
		case errors.Is(err, common.ErrVersionConflict):
			// A peer instance advanced the record between our read and the
			// CAS write. Re-read and re-decide so the mutation resolves as
			// a last-write-wins conflict with its audit event instead of
			// surfacing the version clash.
			lastErr = err
			continue
		case errors.Is(err, common.ErrDuplicateSubmission):
			// Lost a cross-instance race on the idempotency index; the
			// token now resolves to the peer's event.
			if result, ok, lookupErr := c.priorResult(ctx, m); lookupErr == nil && ok {
				return result, nil
			}
			return nil, c.transport(err)
		default:
			return result, err
		}
	}

	return nil, c.transport(lastErr)
}

// priorResult resolves a replayed idempotency token to the event it already
// produced. ok is false when the token is unseen (or absent).
func (c *Coordinator) priorResult(ctx context.Context, m *models.Mutation) (*Result, bool, error) {
	if m.IdempotencyToken == "" {
		return nil, false, nil
	}

	prior, err := c.repos.Events(c.db).ByIdempotencyToken(ctx, m.IdempotencyToken)
	if err == nil {
		c.count(func(mm *metrics.Metrics) { mm.MutationsDuplicate.Inc() })
		return &Result{Event: prior, Duplicate: true}, true, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, false, c.transport(err)
	}
	return nil, false, nil
}

// resolve performs one read-validate-write pass for the mutation. A
// common.ErrVersionConflict return means the state read went stale before
// the write committed and the caller should retry against fresh state.
func (c *Coordinator) resolve(ctx context.Context, m *models.Mutation) (*Result, error) {
	current, err := c.repos.Records(c.db).Get(ctx, m.RecordID)
	if errors.Is(err, common.ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, c.transport(err)
	}

	level, err := c.permissionFor(ctx, m, current)
	if err != nil {
		return nil, err
	}

	decision, err := c.val.Decide(m, current, level)
	if err != nil {
		c.count(func(mm *metrics.Metrics) { mm.MutationsRejected.Inc() })
		return nil, err
	}

	newState := validator.Apply(m, current, decision)
	result := &Result{}

	err = c.withStoreRetry(ctx, func(ctx context.Context) error {
		return dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			recRepo := c.repos.Records(tx)
			if decision.Create {
				if err := recRepo.Insert(ctx, newState); err != nil {
					return err
				}
			} else {
				if err := recRepo.Update(ctx, newState, current.Version); err != nil {
					return err
				}
			}

			evRepo := c.repos.Events(tx)
			change := &models.Event{
				ListID:           newState.ListID,
				RecordID:         newState.ID,
				Kind:             protocol.EventKindChange,
				Record:           newState,
				Version:          newState.Version,
				ActingUser:       m.ActingUser,
				IdempotencyToken: m.IdempotencyToken,
				Timestamp:        decision.AcceptedAt,
			}
			if err := evRepo.Append(ctx, change); err != nil {
				return err
			}
			result.Event = change

			if decision.Conflict {
				audit := &models.Event{
					ListID:            newState.ListID,
					RecordID:          newState.ID,
					Kind:              protocol.EventKindConflict,
					Record:            newState,
					Version:           newState.Version,
					SupersededVersion: decision.SupersededVersion,
					ActingUser:        m.ActingUser,
					Timestamp:         decision.AcceptedAt,
				}
				if err := evRepo.Append(ctx, audit); err != nil {
					return err
				}
				result.ConflictAudit = audit
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if result.ConflictAudit != nil {
		c.count(func(mm *metrics.Metrics) { mm.MutationsConflicted.Inc() })
	} else {
		c.count(func(mm *metrics.Metrics) { mm.MutationsAccepted.Inc() })
	}

	c.publish(ctx, result.Event)
	if result.ConflictAudit != nil {
		c.publish(ctx, result.ConflictAudit)
	}

	return result, nil
}

// permissionFor resolves the acting user's level on the mutation's list.
// Owning the record or the list grants write; otherwise the share table
// decides. A brand-new list (create targeting its own list id) is writable by
// its creator.
func (c *Coordinator) permissionFor(ctx context.Context, m *models.Mutation, current *models.Record) (string, error) {
	if current != nil && current.OwnerID == m.ActingUser {
		return common.PermissionWrite, nil
	}

	listID := m.ListID
	if current != nil {
		listID = current.ListID
	}

	list, err := c.repos.Records(c.db).Get(ctx, listID)
	if errors.Is(err, common.ErrNotFound) {
		if current == nil && m.RecordID == listID {
			return common.PermissionWrite, nil
		}
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", c.transport(err)
	}
	if list.OwnerID == m.ActingUser {
		return common.PermissionWrite, nil
	}

	level, err := c.repos.Shares(c.db).Level(ctx, listID, m.ActingUser)
	if errors.Is(err, common.ErrNotFound) {
		return "", common.ErrPermissionDenied
	}
	if err != nil {
		return "", c.transport(err)
	}

	return level, nil
}

// EventsSince returns events for a list newer than seq, or
// common.ErrRetentionExceeded when the requested range has already been
// pruned and the caller must resnapshot.
func (c *Coordinator) EventsSince(ctx context.Context, listID string, seq int64) ([]models.Event, error) {
	evRepo := c.repos.Events(c.db)

	if seq > 0 {
		// A cursor past the log's tail means the event it points at was
		// pruned; that also covers a log emptied entirely by the archiver,
		// where MIN and MAX both come back 0.
		latest, err := evRepo.LatestSequence(ctx, listID)
		if err != nil {
			return nil, c.transport(err)
		}
		if latest < seq {
			return nil, common.ErrRetentionExceeded
		}

		minSeq, err := evRepo.MinSequence(ctx, listID)
		if err != nil {
			return nil, c.transport(err)
		}
		// Events (seq, minSeq) are gone; the client's cursor predates
		// retention and a gap-fill would silently skip history.
		if minSeq > seq+1 {
			return nil, common.ErrRetentionExceeded
		}
	}

	evs, err := evRepo.SinceSequence(ctx, listID, seq, catchupPageSize)
	if err != nil {
		return nil, c.transport(err)
	}

	return evs, nil
}

// Snapshot returns the current records of a list and the log's latest
// sequence for the caller to resume from.
func (c *Coordinator) Snapshot(ctx context.Context, listID string) ([]models.Record, int64, error) {
	recs, err := c.repos.Records(c.db).ListByList(ctx, listID)
	if err != nil {
		return nil, 0, c.transport(err)
	}

	seq, err := c.repos.Events(c.db).LatestSequence(ctx, listID)
	if err != nil {
		return nil, 0, c.transport(err)
	}

	return recs, seq, nil
}

// CanRead reports whether the user may subscribe to the list: owner or any
// share level suffices.
func (c *Coordinator) CanRead(ctx context.Context, listID, userID string) (bool, error) {
	list, err := c.repos.Records(c.db).Get(ctx, listID)
	if err == nil && list.OwnerID == userID {
		return true, nil
	}
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return false, c.transport(err)
	}

	_, err = c.repos.Shares(c.db).Level(ctx, listID, userID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, c.transport(err)
	}

	return true, nil
}

// publish pushes the event to the broker. The event is already durable, so a
// publish failure is logged and absorbed: subscribers recover through
// gap-fill on the next delivery for the list.
func (c *Coordinator) publish(ctx context.Context, e *models.Event) {
	wire := e.Wire()
	msg := broker.Message{ListID: e.ListID, Sequence: e.Sequence, Event: &wire}

	err := c.withStoreRetry(ctx, func(ctx context.Context) error {
		return c.broker.Publish(ctx, msg)
	})
	if err != nil {
		c.logger.Warn(ctx, "broker publish failed, relying on gap-fill",
			"list_id", e.ListID, "sequence", e.Sequence, "error", err)
	}
}

// withStoreRetry retries fn on transient failures with capped fibonacci
// backoff, then surfaces common.ErrTransportUnavailable. Domain errors pass
// through untouched.
func (c *Coordinator) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.storeAttempts, retry.NewFibonacci(c.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isDomainError(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !isDomainError(err) {
		return fmt.Errorf("%w: %w", common.ErrTransportUnavailable, err)
	}

	return err
}

func (c *Coordinator) transport(err error) error {
	return fmt.Errorf("%w: %w", common.ErrTransportUnavailable, err)
}

func (c *Coordinator) count(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, common.ErrNotFound) ||
		errors.Is(err, common.ErrPermissionDenied) ||
		errors.Is(err, common.ErrVersionConflict) ||
		errors.Is(err, common.ErrDuplicateSubmission) ||
		errors.Is(err, common.ErrRetentionExceeded)
}
