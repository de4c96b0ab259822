package combiner

import (
	"context"
	"sort"

	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/bus"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// Discrepancy records signers that disagreed on a reported value.
type Discrepancy struct {
	Op         string            `json:"op"`
	Field      string            `json:"field"` // key_version or block_number
	DomainHash string            `json:"domainHash"`
	TraceID    string            `json:"traceId"`
	Values     map[string]string `json:"values"` // signer id -> reported value
	Code       wire.ErrorCode    `json:"code"`
}

// Failure records a request that could not reach the threshold.
type Failure struct {
	Op         string                 `json:"op"`
	DomainHash string                 `json:"domainHash"`
	TraceID    string                 `json:"traceId"`
	Code       wire.ErrorCode         `json:"code"`
	Errors     map[wire.ErrorCode]int `json:"errors"`
}

// detectDiscrepancies returns one entry per field on which the signers that
// reported a value did not all agree.
func detectDiscrepancies(op, domainHash, tid string, seen map[string]observation) []Discrepancy {
	var out []Discrepancy
	for _, field := range []string{"key_version", "block_number"} {
		vals := map[string]string{}
		distinct := map[string]struct{}{}
		for id, o := range seen {
			v := o.keyVersion
			if field == "block_number" {
				v = o.blockNumber
			}
			if v == "" {
				continue
			}
			vals[id] = v
			distinct[v] = struct{}{}
		}
		if len(distinct) > 1 {
			out = append(out, Discrepancy{Op: op, Field: field, DomainHash: domainHash, TraceID: tid, Values: vals, Code: wire.CodeInconsistentSignerResponses})
		}
	}
	return out
}

func (c *Combiner) reportDiscrepancies(ctx context.Context, op, domainHash string, f *fanout) {
	tid, _ := trace.FromContext(ctx)
	f.mu.Lock()
	ds := detectDiscrepancies(op, domainHash, tid, f.seen)
	f.mu.Unlock()
	for _, d := range ds {
		ids := make([]string, 0, len(d.Values))
		for id := range d.Values {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		metrics.Inc("combiner_discrepancies_total", map[string]string{"op": op, "field": d.Field})
		logger.WarnJ("combiner_discrepancy", map[string]any{"op": op, "field": d.Field, "code": string(d.Code), "signers": ids, "values": d.Values, "trace_id": tid})
		c.bus.Publish(ctx, bus.Event{Kind: bus.KindDiscrepancy, DomainHash: domainHash, Body: d, TraceID: tid})
	}
}

func (c *Combiner) reportFailure(ctx context.Context, op, domainHash string, code wire.ErrorCode, f *fanout) {
	tid, _ := trace.FromContext(ctx)
	metrics.Inc("combiner_threshold_failures_total", map[string]string{"op": op, "code": string(code)})
	c.bus.Publish(ctx, bus.Event{
		Kind:       bus.KindThresholdFailure,
		DomainHash: domainHash,
		Body:       Failure{Op: op, DomainHash: domainHash, TraceID: tid, Code: code, Errors: f.mgr.Errors()},
		TraceID:    tid,
	})
}
