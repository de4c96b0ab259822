package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/wire"
)

func TestMemory_Behaviour(t *testing.T) {
	m, err := NewMemory("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exerciseStore(t, m)
}

func TestMemory_WALReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "domains.wal")
	ctx := context.Background()
	a, b := common.HexToHash("0xaa"), common.HexToHash("0xbb")

	m, err := Open(ctx, Config{Backend: BackendMemory, WALPath: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = m.Update(ctx, a, func(cur domain.State) (domain.State, error) {
			cur.Counter++
			cur.Timer = float64(1000 + i)
			return cur, nil
		})
	}
	_, _ = m.Update(ctx, b, func(cur domain.State) (domain.State, error) {
		cur.Disabled = true
		return cur, nil
	})
	_ = m.Close()

	// Torn tail from a crash mid-append.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	_, _ = f.WriteString(`{"hash":"0xaa","coun`)
	_ = f.Close()

	re, err := NewMemory(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if st, _ := re.Get(ctx, a); st.Counter != 3 || st.Timer != 1002 {
		t.Fatalf("replayed a: %+v", st)
	}
	if st, _ := re.Get(ctx, b); !st.Disabled {
		t.Fatalf("replayed b: %+v", st)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	m, _ := NewMemory("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Update(ctx, common.Hash{}, func(cur domain.State) (domain.State, error) { return cur, nil })
	if wire.CodeOf(err) != wire.CodeDatabaseUpdateFailure {
		t.Fatalf("want DatabaseUpdateFailure, got %v", err)
	}
}
