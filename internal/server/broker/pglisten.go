package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"github.com/mkorolev/listsync/internal/logging"
)

// Channel is the postgres NOTIFY channel all instances share. A single
// channel is the simplest correct design: instances receive everything and
// the connection registry filters locally by subscription.
const Channel = "listsync_events"

// NOTIFY payloads are capped at 8000 bytes; messages whose serialized form
// exceeds this are sent without the inline event and consumers fetch it from
// the event log instead.
const maxPayloadBytes = 7500

// PGListenBroker broadcasts messages through postgres LISTEN/NOTIFY. Publish
// goes through the shared *sql.DB; consumption holds a dedicated pgx
// connection blocked in WaitForNotification, reconnecting with backoff when
// the connection drops. Messages missed during a reconnect are recovered by
// the consumers' gap-fill, so the broker itself stays fire-and-forget.
type PGListenBroker struct {
	dsn    string
	db     *sql.DB
	logger logging.Logger

	mu       sync.RWMutex
	handlers []Handler

	cancel context.CancelFunc
}

// NewPGListenBroker returns a broker publishing through db and listening on a
// dedicated connection dialed from dsn.
func NewPGListenBroker(dsn string, db *sql.DB, logger logging.Logger) *PGListenBroker {
	return &PGListenBroker{
		dsn:    dsn,
		db:     db,
		logger: logger.With("component", "pglisten"),
	}
}

func (b *PGListenBroker) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broker message: %w", err)
	}

	if len(payload) > maxPayloadBytes {
		slim := Message{ListID: msg.ListID, Sequence: msg.Sequence}
		payload, err = json.Marshal(slim)
		if err != nil {
			return fmt.Errorf("failed to encode broker message: %w", err)
		}
	}

	_, err = b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload))
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}

func (b *PGListenBroker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Run consumes notifications until ctx is cancelled. Connection failures are
// retried with capped exponential backoff indefinitely; a fresh connection
// re-issues LISTEN before waiting again.
func (b *PGListenBroker) Run(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	for {
		err := b.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn(ctx, "listener connection lost, reconnecting", "error", err)

		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := b.listenOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = err
	}
}

func (b *PGListenBroker) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}

	b.logger.Info(ctx, "listening for notifications", "channel", Channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			b.logger.Warn(ctx, "discarding malformed notification", "error", err)
			continue
		}

		b.dispatch(ctx, msg)
	}
}

func (b *PGListenBroker) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
}

func (b *PGListenBroker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
