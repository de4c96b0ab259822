package combiner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/odis-domains/internal/tss/session"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// acceptFunc validates a 200 reply and turns it into a share.
type acceptFunc func(s Signer, rep *reply) (session.Share, error)

// observation is what a signer reported alongside its answer.
type observation struct {
	keyVersion  string
	blockNumber string
}

type fanout struct {
	mgr *session.Manager

	mu        sync.Mutex
	failures  *multierror.Error
	seen      map[string]observation
	notBefore []float64
}

// dispatch sends body to every signer concurrently and feeds the session
// until it is decided. It returns once every goroutine has finished.
func (c *Combiner) dispatch(ctx context.Context, op, path string, body []byte, hdr http.Header, waitAll bool, accept acceptFunc) *fanout {
	tid, _ := trace.FromContext(ctx)
	mgr := session.NewManager(session.Config{
		Threshold:     c.cfg.Threshold,
		Total:         len(c.cfg.Signers),
		GatherTimeout: c.cfg.RequestTimeout,
		Op:            op,
		TraceID:       tid,
		WaitAll:       waitAll,
	})
	f := &fanout{mgr: mgr, seen: make(map[string]observation, len(c.cfg.Signers))}
	sctx := mgr.Start(ctx)

	var g errgroup.Group
	for _, s := range c.cfg.Signers {
		g.Go(func() error {
			begin := time.Now()
			nctx, cancel := context.WithTimeout(sctx, c.cfg.SignerTimeout)
			defer cancel()
			rep, err := c.client.Post(nctx, s, path, body, hdr)
			code := "200"
			switch {
			case err != nil:
				tc := transportCode(sctx, nctx)
				if tc == wire.CodeCancelledRequestToSigner && mgr.Status().TimedOut {
					tc = wire.CodeTimeoutFromSigner
				}
				code = string(tc)
				f.fail(s, wire.NewError(tc, err))
			case rep.status != http.StatusOK:
				code = strconv.Itoa(rep.status)
				f.observe(s, rep)
				f.fail(s, replyError(rep, c.now()))
			default:
				f.observe(s, rep)
				sh, err := accept(s, rep)
				if err != nil {
					f.fail(s, err)
					break
				}
				mgr.OnShare(sh)
			}
			metrics.Inc("combiner_signer_responses_total", map[string]string{"op": op, "signer": s.ID, "code": code})
			metrics.ObserveSummary("combiner_signer_latency_ms", map[string]string{"op": op, "signer": s.ID}, float64(time.Since(begin).Milliseconds()))
			return nil
		})
	}
	_ = g.Wait()
	return f
}

func (f *fanout) fail(s Signer, err error) {
	code := wire.CodeOf(err)
	f.mgr.OnFailure(s.ID, code)
	f.mu.Lock()
	f.failures = multierror.Append(f.failures, fmt.Errorf("signer %s: %w", s.ID, err))
	var we *wire.Error
	if errors.As(err, &we) && we.NotBefore > 0 {
		f.notBefore = append(f.notBefore, we.NotBefore)
	}
	f.mu.Unlock()
}

// retryAt is the earliest time at which t of the rate-limited signers accept
// again, or the latest reported time when fewer than t reported one.
func (f *fanout) retryAt(t int) float64 {
	f.mu.Lock()
	nb := append([]float64(nil), f.notBefore...)
	f.mu.Unlock()
	if len(nb) == 0 {
		return 0
	}
	sort.Float64s(nb)
	if t > len(nb) {
		t = len(nb)
	}
	return nb[t-1]
}

func (f *fanout) observe(s Signer, rep *reply) {
	f.mu.Lock()
	f.seen[s.ID] = observation{keyVersion: rep.header.Get(wire.HeaderKeyVersion), blockNumber: rep.header.Get(wire.HeaderBlockNumber)}
	f.mu.Unlock()
}

// logFailures writes one line with every signer failure of the request.
func (f *fanout) logFailures(op, tid string) {
	f.mu.Lock()
	merr := f.failures
	f.mu.Unlock()
	if merr.ErrorOrNil() == nil {
		return
	}
	logger.WarnJ("combiner_signer_failures", map[string]any{"op": op, "trace_id": tid, "count": merr.Len(), "err": merr.Error()})
}
