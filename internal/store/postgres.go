package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zmlAEQ/odis-domains/internal/domain"
)

var (
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool connects to dsn, retrying until the server answers a ping.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS domain_state (
	domain_hash BYTEA PRIMARY KEY,
	counter     BIGINT NOT NULL DEFAULT 0,
	timer       DOUBLE PRECISION NOT NULL DEFAULT 0,
	disabled    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres keeps one row per domain and serializes updates with row locks.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the schema if needed.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, h common.Hash) (domain.State, error) {
	begin := time.Now()
	var st domain.State
	var counter int64
	err := p.pool.QueryRow(ctx,
		`SELECT counter, timer, disabled FROM domain_state WHERE domain_hash = $1`, h.Bytes(),
	).Scan(&counter, &st.Timer, &st.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	observe(BackendPostgres, "get", begin, err)
	if err != nil {
		return domain.State{}, getFailure(err)
	}
	st.Counter = uint64(counter)
	return st, nil
}

func (p *Postgres) Update(ctx context.Context, h common.Hash, fn UpdateFunc) (domain.State, error) {
	begin := time.Now()
	st, err := p.update(ctx, h, fn)
	observe(BackendPostgres, "update", begin, err)
	if err != nil {
		return st, updateFailure(err)
	}
	return st, nil
}

func (p *Postgres) update(ctx context.Context, h common.Hash, fn UpdateFunc) (domain.State, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.State{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO domain_state (domain_hash) VALUES ($1) ON CONFLICT (domain_hash) DO NOTHING`, h.Bytes(),
	); err != nil {
		return domain.State{}, err
	}
	var cur domain.State
	var counter int64
	if err := tx.QueryRow(ctx,
		`SELECT counter, timer, disabled FROM domain_state WHERE domain_hash = $1 FOR UPDATE`, h.Bytes(),
	).Scan(&counter, &cur.Timer, &cur.Disabled); err != nil {
		return domain.State{}, err
	}
	cur.Counter = uint64(counter)

	next, err := fn(cur)
	if err != nil {
		return cur, fnError{err}
	}
	next = persisted(next)
	if _, err := tx.Exec(ctx,
		`UPDATE domain_state SET counter = $2, timer = $3, disabled = $4, updated_at = now() WHERE domain_hash = $1`,
		h.Bytes(), int64(next.Counter), next.Timer, next.Disabled,
	); err != nil {
		return cur, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, err
	}
	return next, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
