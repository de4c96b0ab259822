package signer

import (
	"sync/atomic"

	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// InflightLimiter caps concurrent signing operations on one node.
type InflightLimiter struct {
	max  int64
	open int64
}

// NewInflightLimiter returns a limiter; max <= 0 disables the cap.
func NewInflightLimiter(max int64) *InflightLimiter { return &InflightLimiter{max: max} }

// TryOpen reserves a slot. It returns false when the node is saturated.
func (l *InflightLimiter) TryOpen() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o >= l.max {
			metrics.Inc("signer_rate_limited_total", map[string]string{"kind": "inflight"})
			return false
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o+1) {
			metrics.AddGauge("signer_inflight", nil, 1)
			return true
		}
	}
}

// Close releases a slot taken by TryOpen.
func (l *InflightLimiter) Close() {
	if l == nil || l.max <= 0 {
		return
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o-1) {
			metrics.AddGauge("signer_inflight", nil, -1)
			return
		}
	}
}

// Open is the number of slots in use.
func (l *InflightLimiter) Open() int64 {
	if l == nil {
		return 0
	}
	return atomic.LoadInt64(&l.open)
}
