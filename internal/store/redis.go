package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

const (
	defaultRedisPrefix = "odis:domain:"
	redisMaxRetries    = 16
)

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Redis stores each domain state as a JSON value. Updates use optimistic
// WATCH/MULTI transactions and retry on conflict.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(h common.Hash) string { return r.prefix + h.Hex() }

func readRedisState(ctx context.Context, c redis.Cmdable, key string) (domain.State, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.State{}, nil
	}
	if err != nil {
		return domain.State{}, err
	}
	var st domain.State
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.State{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return st, nil
}

func (r *Redis) Get(ctx context.Context, h common.Hash) (domain.State, error) {
	begin := time.Now()
	st, err := readRedisState(ctx, r.client, r.key(h))
	observe(BackendRedis, "get", begin, err)
	if err != nil {
		return domain.State{}, getFailure(err)
	}
	return st, nil
}

func (r *Redis) Update(ctx context.Context, h common.Hash, fn UpdateFunc) (domain.State, error) {
	begin := time.Now()
	key := r.key(h)
	var out domain.State
	txf := func(tx *redis.Tx) error {
		cur, err := readRedisState(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			out = cur
			return fnError{err}
		}
		next = persisted(next)
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	var err error
	for i := 0; i < redisMaxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		logger.DebugJ("store_redis", map[string]any{"op": "update", "result": "conflict", "attempt": i + 1, "domain": h.Hex()})
	}
	observe(BackendRedis, "update", begin, err)
	if err != nil {
		return out, updateFailure(err)
	}
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }
