// Package store keeps per-domain rate-limit state. Every backend serializes
// updates per domain hash; different domains never contend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// UpdateFunc receives the current state (zero for unknown domains) and returns
// the state to persist. Returning an error aborts the update and is passed
// through to the caller unchanged.
type UpdateFunc func(cur domain.State) (domain.State, error)

// DomainStateStore is the state backend of a signer.
type DomainStateStore interface {
	// Get returns the stored state, or the zero state when the domain is unknown.
	Get(ctx context.Context, hash common.Hash) (domain.State, error)
	// Update runs fn atomically with respect to other updates of hash and
	// persists its result before returning it.
	Update(ctx context.Context, hash common.Hash, fn UpdateFunc) (domain.State, error)
	Close() error
}

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend       string `yaml:"backend"`
	WALPath       string `yaml:"wal"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (DomainStateStore, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg.WALPath)
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.RedisPrefix), nil
	case BackendPostgres:
		pool, err := NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return NewPostgres(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// persisted strips response-only fields.
func persisted(st domain.State) domain.State {
	st.Now = 0
	return st
}

// fnError marks an error returned by an UpdateFunc.
type fnError struct{ err error }

func (e fnError) Error() string { return e.err.Error() }
func (e fnError) Unwrap() error { return e.err }

func getFailure(err error) error {
	return wire.NewError(wire.CodeDatabaseGetFailure, err)
}

func updateFailure(err error) error {
	var fe fnError
	if errors.As(err, &fe) {
		return fe.err
	}
	return wire.NewError(wire.CodeDatabaseUpdateFailure, err)
}

func observe(backend, op string, begin time.Time, err error) {
	result := "ok"
	var fe fnError
	switch {
	case errors.As(err, &fe):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	metrics.Inc("store_ops_total", map[string]string{"backend": backend, "op": op, "result": result})
	metrics.ObserveSummary("store_op_ms", map[string]string{"backend": backend, "op": op}, float64(time.Since(begin).Milliseconds()))
}
