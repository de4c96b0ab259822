package combiner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zmlAEQ/odis-domains/pkg/bus"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// Report is the envelope forwarded to sinks.
type Report struct {
	Kind       bus.Kind `json:"kind"`
	DomainHash string   `json:"domainHash"`
	TraceID    string   `json:"traceId"`
	Body       any      `json:"body"`
	At         int64    `json:"at"`
}

// Sink receives reports. Implementations must honour ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, r Report) error
}

// Reporter drains the bus into every sink. It is a lifecycle service.
type Reporter struct {
	sub   bus.Subscriber
	sinks []Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReporter(b *bus.Bus, sinks ...Sink) *Reporter {
	return &Reporter{sub: b.Subscribe(), sinks: sinks}
}

func (r *Reporter) Name() string { return "reporter" }

func (r *Reporter) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.sub:
				_ = r.deliver(ctx, ev)
			}
		}
	}()
	return nil
}

// Stop ends the loop and closes sinks that implement io.Closer.
func (r *Reporter) Stop(context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	var merr *multierror.Error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}

// deliver sends ev to every sink and joins their errors.
func (r *Reporter) deliver(ctx context.Context, ev bus.Event) error {
	rep := Report{Kind: ev.Kind, DomainHash: ev.DomainHash, TraceID: ev.TraceID, Body: ev.Body, At: time.Now().Unix()}
	var merr *multierror.Error
	for _, s := range r.sinks {
		err := s.Send(ctx, rep)
		result := "ok"
		if err != nil {
			result = "error"
			merr = multierror.Append(merr, err)
			logger.ErrorJ("report_sink", map[string]any{"sink": s.Name(), "kind": string(ev.Kind), "result": "error", "err": err.Error()})
		}
		metrics.Inc("report_sink_total", map[string]string{"sink": s.Name(), "result": result})
	}
	return merr.ErrorOrNil()
}

// WebhookSink posts each report as JSON; best-effort.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
}

func (w WebhookSink) Name() string { return "webhook" }

func (w WebhookSink) Send(ctx context.Context, r Report) error {
	if w.URL == "" {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &webhookError{code: resp.StatusCode}
	}
	logger.DebugJ("report_sink", map[string]any{"sink": "webhook", "result": "ok", "code": resp.StatusCode})
	return nil
}

func (w WebhookSink) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 500 * time.Millisecond
}

type webhookError struct{ code int }

func (e *webhookError) Error() string { return "webhook answered " + http.StatusText(e.code) }
