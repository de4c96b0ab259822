package store

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

// Memory is an in-process store. With a WAL every committed state is
// appended to disk and replayed on open.
type Memory struct {
	mu     sync.Mutex
	states map[common.Hash]domain.State
	locks  map[common.Hash]*keyLock
	wal    *WAL
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemory opens a memory store. walPath may be empty.
func NewMemory(walPath string) (*Memory, error) {
	m := &Memory{states: make(map[common.Hash]domain.State), locks: make(map[common.Hash]*keyLock)}
	if walPath == "" {
		return m, nil
	}
	m.wal = NewWAL(walPath)
	n, err := m.wal.Replay(func(h common.Hash, st domain.State) { m.states[h] = st })
	if err != nil {
		return nil, err
	}
	logger.InfoJ("store_memory", map[string]any{"op": "replay", "result": "ok", "entries": n, "domains": len(m.states)})
	return m, nil
}

func (m *Memory) lock(h common.Hash) *keyLock {
	m.mu.Lock()
	l, ok := m.locks[h]
	if !ok {
		l = &keyLock{}
		m.locks[h] = l
	}
	l.refs++
	m.mu.Unlock()
	l.mu.Lock()
	return l
}

func (m *Memory) unlock(h common.Hash, l *keyLock) {
	l.mu.Unlock()
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, h)
	}
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, h common.Hash) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[h], nil
}

func (m *Memory) Update(ctx context.Context, h common.Hash, fn UpdateFunc) (domain.State, error) {
	begin := time.Now()
	var opErr error
	defer func() { observe(BackendMemory, "update", begin, opErr) }()
	l := m.lock(h)
	defer m.unlock(h, l)
	if err := ctx.Err(); err != nil {
		opErr = err
		return domain.State{}, updateFailure(err)
	}

	m.mu.Lock()
	cur := m.states[h]
	m.mu.Unlock()

	next, ferr := fn(cur)
	if ferr != nil {
		opErr = fnError{ferr}
		return cur, ferr
	}
	next = persisted(next)
	if m.wal != nil {
		if werr := m.wal.Append(h, next); werr != nil {
			opErr = werr
			return cur, updateFailure(werr)
		}
	}
	m.mu.Lock()
	m.states[h] = next
	m.mu.Unlock()
	return next, nil
}

func (m *Memory) Close() error { return nil }
