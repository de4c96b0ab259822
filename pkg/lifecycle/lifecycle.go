package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// Service is a long-running component owned by a Manager.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu      sync.Mutex
	svcs    []Service
	started []Service
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.svcs = append(m.svcs, s)
	m.mu.Unlock()
}

// StartAll starts every service. On the first failure it stops the ones already
// running and returns the start error.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	svcs := append([]Service(nil), m.svcs...)
	m.mu.Unlock()
	for _, s := range svcs {
		begin := time.Now()
		if err := s.Start(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
			_ = m.StopAll(context.Background())
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		dur := time.Since(begin).Milliseconds()
		metrics.ObserveSummary("service_op_ms", map[string]string{"service": s.Name(), "op": "start"}, float64(dur))
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok", "latency_ms": dur})
		m.mu.Lock()
		m.started = append(m.started, s)
		m.mu.Unlock()
	}
	return nil
}

// StopAll stops started services in reverse order and joins their errors.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()
	var merr *multierror.Error
	for i := len(started) - 1; i >= 0; i-- {
		s := started[i]
		begin := time.Now()
		err := s.Stop(ctx)
		result := "ok"
		if err != nil {
			result = "error"
			merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
		dur := time.Since(begin).Milliseconds()
		metrics.ObserveSummary("service_op_ms", map[string]string{"service": s.Name(), "op": "stop"}, float64(dur))
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": result, "latency_ms": dur})
	}
	return merr.ErrorOrNil()
}
