package signer

import (
	"strings"
	"sync"
	"testing"

	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

func TestInflightLimiter_AllowsThenLimitsThenAllows(t *testing.T) {
	metrics.Reset()
	l := NewInflightLimiter(1)
	if !l.TryOpen() {
		t.Fatalf("first TryOpen should allow")
	}
	if l.TryOpen() {
		t.Fatalf("second TryOpen should be limited")
	}
	if dump := metrics.DumpProm(); !strings.Contains(dump, `signer_rate_limited_total{kind="inflight"} 1`) {
		t.Fatalf("want rate limited metric, got: %s", dump)
	}
	l.Close()
	if !l.TryOpen() {
		t.Fatalf("after close, TryOpen should allow again")
	}
	l.Close()
	l.Close() // extra close is ignored
	if l.Open() != 0 {
		t.Fatalf("open=%d", l.Open())
	}
}

func TestInflightLimiter_Concurrent(t *testing.T) {
	l := NewInflightLimiter(4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := int64(0)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.TryOpen() {
				return
			}
			mu.Lock()
			if o := l.Open(); o > peak {
				peak = o
			}
			mu.Unlock()
			l.Close()
		}()
	}
	wg.Wait()
	if peak > 4 || l.Open() != 0 {
		t.Fatalf("peak=%d open=%d", peak, l.Open())
	}
}

func TestInflightLimiter_Unbounded(t *testing.T) {
	var l *InflightLimiter
	if !l.TryOpen() || !NewInflightLimiter(0).TryOpen() {
		t.Fatalf("nil or zero limiter should always allow")
	}
}
