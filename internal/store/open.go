package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookrelay/internal/db"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Stores is the pair of stores a process works with and the pool behind them
type Stores struct {
	Logs          LogStore
	Subscriptions SubscriptionStore
	pool          *pgxpool.Pool
}

// Open connects the named backend. Postgres applies the embedded migrations
// when migrate is set; memory stores live only as long as the process.
func Open(ctx context.Context, backend, dsn string, migrate bool) (*Stores, error) {
	switch backend {
	case BackendPostgres, "":
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &Stores{
			Logs:          NewPGLogStore(pool),
			Subscriptions: NewPGSubscriptionStore(pool),
			pool:          pool,
		}, nil
	case BackendMemory:
		return &Stores{
			Logs:          NewMemoryLogStore(),
			Subscriptions: NewMemorySubscriptionStore(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Ping reports database reachability; memory stores are always reachable
func (s *Stores) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
