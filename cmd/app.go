package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koobs1993/mindwell/config"
	"github.com/koobs1993/mindwell/feed"
	"github.com/koobs1993/mindwell/history"
	"github.com/koobs1993/mindwell/store"
)

// app bundles the long-lived dependencies a command needs: configuration,
// the connection pool, the session store, the change-feed listener, and
// the history service.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	store    *store.Postgres
	listener *feed.Listener
	history  *history.Service
	owner    uuid.UUID
}

// newApp loads configuration and connects the storage stack. withFeed
// controls whether the LISTEN/NOTIFY listener is started; commands that
// only read history skip it.
func newApp(ctx context.Context, withFeed bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	owner := cfg.Owner()
	if owner == uuid.Nil {
		return nil, fmt.Errorf("no owner configured: set MINDWELL_OWNER_ID or owner_id in config.yaml")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	st, err := store.New(pool, slog.Default().With("component", "store"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	hist, err := history.New(st, slog.Default().With("component", "history"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &app{cfg: cfg, pool: pool, store: st, history: hist, owner: owner}

	if withFeed {
		listener, err := feed.NewListener(ctx, pool, slog.Default().With("component", "feed"))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("starting change feed listener: %w", err)
		}
		a.listener = listener
	}

	return a, nil
}

func (a *app) close() {
	if a.listener != nil {
		a.listener.Close()
	}
	a.pool.Close()
}
