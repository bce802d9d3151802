// Package cli is the reference sync client: a small command-driven frontend
// over the local cache, the websocket connection and the reconciliation
// engine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mkorolev/listsync/internal/client/cache"
	"github.com/mkorolev/listsync/internal/client/config"
	"github.com/mkorolev/listsync/internal/client/conn"
	"github.com/mkorolev/listsync/internal/client/services"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	repos   *cache.Repositories
	client  *conn.Client
	rest    *conn.RESTClient
	sync    *services.SyncService
	watched []string
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger()

	repos, err := cache.InitDatabase(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	app := &App{config: c, logger: logger, repos: repos}

	app.rest = conn.NewRESTClient(c.ServerEndpointAddr, c.AccessToken)

	client, err := conn.NewClient(c.ServerEndpointAddr, c.AccessToken, conn.Handlers{
		OnEvent:        app.onEvent,
		OnConflict:     app.onConflict,
		OnSyncRequired: app.onSyncRequired,
		OnConnected:    app.onConnected,
	}, logger, c.ReconnectBase, c.ReconnectCap)
	if err != nil {
		return nil, err
	}
	app.client = client
	app.sync = services.NewSyncService(repos, client, app.rest, logger)

	return app, nil
}

// Run dispatches one command. Usage:
//
//	create-list <title>
//	add <list-id> <title>
//	done <record-id>
//	show <list-id>
//	pending
//	watch <list-id> [...]
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: listsync-client <create-list|add|done|show|pending|watch> ...")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create-list":
		if len(rest) < 1 {
			return errors.New("usage: create-list <title>")
		}
		return a.createList(ctx, strings.Join(rest, " "))
	case "add":
		if len(rest) < 2 {
			return errors.New("usage: add <list-id> <title>")
		}
		return a.addTodo(ctx, rest[0], strings.Join(rest[1:], " "))
	case "done":
		if len(rest) != 1 {
			return errors.New("usage: done <record-id>")
		}
		return a.markDone(ctx, rest[0])
	case "show":
		if len(rest) != 1 {
			return errors.New("usage: show <list-id>")
		}
		return a.show(ctx, rest[0])
	case "pending":
		return a.pending(ctx)
	case "watch":
		if len(rest) < 1 {
			return errors.New("usage: watch <list-id> [...]")
		}
		return a.watch(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *App) createList(ctx context.Context, title string) error {
	id, err := a.sync.CreateList(ctx, title)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (a *App) addTodo(ctx context.Context, listID, title string) error {
	id, err := a.sync.AddTodo(ctx, listID, title)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (a *App) markDone(ctx context.Context, recordID string) error {
	return a.sync.UpdateRecord(ctx, recordID, map[string]any{"done": true})
}

func (a *App) show(ctx context.Context, listID string) error {
	recs, err := a.sync.Snapshot(ctx, listID)
	if err != nil {
		return err
	}
	for _, r := range recs {
		marker := " "
		if done, _ := r.Fields["done"].(bool); done {
			marker = "x"
		}
		if r.Pending {
			marker += "*"
		}
		fmt.Printf("[%s] %s v%d %v\n", marker, r.ID, r.Version, r.Fields["title"])
	}
	return nil
}

func (a *App) pending(ctx context.Context) error {
	n, err := a.sync.PendingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// watch keeps the websocket alive and prints live events for the given
// lists until interrupted.
func (a *App) watch(ctx context.Context, listIDs []string) error {
	a.watched = listIDs
	return a.client.Run(ctx)
}

func (a *App) onConnected(ctx context.Context) {
	for _, listID := range a.watched {
		cursor, err := a.repos.Cursors.Get(ctx, listID)
		if err != nil {
			a.logger.Error(ctx, "cursor lookup failed", "list_id", listID, "error", err)
			continue
		}
		if err := a.client.Subscribe(ctx, listID, cursor); err != nil {
			a.logger.Error(ctx, "subscribe failed", "list_id", listID, "error", err)
			continue
		}
		if err := a.sync.Reconcile(ctx, listID); err != nil {
			a.logger.Error(ctx, "reconcile failed", "list_id", listID, "error", err)
		}
	}
}

func (a *App) onEvent(ctx context.Context, ev protocol.Event) {
	if err := a.sync.ApplyEvent(ctx, ev); err != nil {
		a.logger.Error(ctx, "apply event failed", "sequence", ev.Sequence, "error", err)
		return
	}
	fmt.Printf("event seq=%d list=%s record=%s kind=%s v%d\n",
		ev.Sequence, ev.ListID, ev.RecordID, ev.Kind, ev.Version)
}

func (a *App) onConflict(ctx context.Context, c protocol.Conflict) {
	fmt.Printf("conflict: local change overwrote v%d, server state is v%d\n",
		c.SupersededVersion, c.WinningEvent.Version)
}

func (a *App) onSyncRequired(ctx context.Context, listID string) {
	a.logger.Warn(ctx, "cursor behind retention, resnapshotting", "list_id", listID)
	if err := a.sync.Resnapshot(ctx, listID); err != nil {
		a.logger.Error(ctx, "resnapshot failed", "list_id", listID, "error", err)
	}
}

// Close releases the local cache.
func (a *App) Close() error {
	return a.repos.DB.Close()
}
