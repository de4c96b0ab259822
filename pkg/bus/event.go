package bus

import (
	"context"

	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

type Kind string

const (
	// KindDiscrepancy reports signers that disagreed on key version or block number
	// for one combiner request. Body is a combiner.Discrepancy.
	KindDiscrepancy Kind = "discrepancy"
	// KindThresholdFailure reports a combiner request that could not reach threshold.
	KindThresholdFailure Kind = "threshold_failure"
)

type Event struct {
	Kind       Kind
	DomainHash string
	Body       any
	TraceID    string
}

type Subscriber <-chan Event

type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 {
		size = 128
	}
	return &Bus{pub: make(chan Event, size)}
}

// Publish never blocks; events are dropped when the buffer is full.
func (b *Bus) Publish(_ context.Context, ev Event) {
	if b == nil {
		return
	}
	select {
	case b.pub <- ev:
	default:
		metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
