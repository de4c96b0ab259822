package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// WAL is an append-only log of committed domain states, one JSON line per
// commit. Replaying it keeps the last state per domain.
type WAL struct {
	mu   sync.Mutex
	path string
}

type walEntry struct {
	Hash     common.Hash `json:"hash"`
	Counter  uint64      `json:"counter"`
	Timer    float64     `json:"timer"`
	Disabled bool        `json:"disabled"`
}

func NewWAL(path string) *WAL { return &WAL{path: path} }

// Append writes one entry and fsyncs before returning.
func (w *WAL) Append(h common.Hash, st domain.State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	b, err := json.Marshal(walEntry{Hash: h, Counter: st.Counter, Timer: st.Timer, Disabled: st.Disabled})
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err = f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	metrics.Inc("store_wal_appends_total", nil)
	return f.Close()
}

// Replay feeds every valid entry to apply in log order. A missing file is an
// empty log; a torn last line is skipped.
func (w *WAL) Replay(apply func(common.Hash, domain.State)) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		var e walEntry
		if json.Unmarshal(s.Bytes(), &e) != nil {
			metrics.Inc("store_wal_skipped_total", nil)
			continue
		}
		apply(e.Hash, domain.State{Counter: e.Counter, Timer: e.Timer, Disabled: e.Disabled})
		n++
	}
	metrics.Inc("store_wal_recover_total", map[string]string{"result": "ok"})
	return n, s.Err()
}
