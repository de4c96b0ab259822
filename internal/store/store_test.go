package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/wire"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s DomainStateStore) {
	t.Helper()
	ctx := context.Background()
	h := common.HexToHash("0x01")

	st, err := s.Get(ctx, h)
	if err != nil || st != (domain.State{}) {
		t.Fatalf("unknown domain: %+v %v", st, err)
	}

	got, err := s.Update(ctx, h, func(cur domain.State) (domain.State, error) {
		cur.Counter++
		cur.Timer = 100
		cur.Now = 123
		return cur, nil
	})
	if err != nil || got.Counter != 1 || got.Now != 0 {
		t.Fatalf("first update: %+v %v", got, err)
	}
	if st, _ := s.Get(ctx, h); st.Counter != 1 || st.Timer != 100 || st.Now != 0 {
		t.Fatalf("persisted: %+v", st)
	}

	// Errors from fn pass through and nothing is written.
	_, err = s.Update(ctx, h, func(cur domain.State) (domain.State, error) {
		cur.Counter = 99
		return cur, wire.ErrExceededQuota
	})
	if !errors.Is(err, wire.ErrExceededQuota) {
		t.Fatalf("want ExceededQuota, got %v", err)
	}
	if wire.CodeOf(err) != wire.CodeExceededQuota {
		t.Fatalf("fn error was rewrapped: %v", err)
	}
	if st, _ := s.Get(ctx, h); st.Counter != 1 {
		t.Fatalf("rejected update was persisted: %+v", st)
	}

	// Concurrent updates of one domain are serialized.
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, h, func(cur domain.State) (domain.State, error) {
				cur.Counter++
				return cur, nil
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	if st, _ := s.Get(ctx, h); st.Counter != n+1 {
		t.Fatalf("lost updates: counter=%d want %d", st.Counter, n+1)
	}

	other := common.HexToHash("0x02")
	if _, err := s.Update(ctx, other, func(cur domain.State) (domain.State, error) {
		cur.Disabled = true
		return cur, nil
	}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if st, _ := s.Get(ctx, other); !st.Disabled || st.Counter != 0 {
		t.Fatalf("other domain: %+v", st)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "etcd"}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}

func TestUpdateFailure_Wraps(t *testing.T) {
	err := updateFailure(errors.New("disk full"))
	if wire.CodeOf(err) != wire.CodeDatabaseUpdateFailure {
		t.Fatalf("code=%s", wire.CodeOf(err))
	}
	if wire.CodeOf(getFailure(errors.New("x"))) != wire.CodeDatabaseGetFailure {
		t.Fatalf("get failure code")
	}
}
