// Package session tracks the responses of one combiner fan-out: which
// signers answered, their partial signatures grouped by key version, and the
// error codes of the ones that failed.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// Phase of a session.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseGather  Phase = "gather"
	PhaseCombine Phase = "combine"
	PhaseDone    Phase = "done"
)

type Config struct {
	Threshold     int           // shares required at one key version
	Total         int           // signers contacted
	GatherTimeout time.Duration // gather deadline, measured from Start
	Op            string        // request kind, for metrics
	TraceID       string
	// WaitAll keeps gathering after the threshold is reached until every
	// signer answered or the deadline passed.
	WaitAll bool
}

func defaultConfig(c Config) Config {
	if c.Threshold < 1 {
		c.Threshold = 1
	}
	if c.Total < c.Threshold {
		c.Total = c.Threshold
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 5 * time.Second
	}
	if c.Op == "" {
		c.Op = "unknown"
	}
	return c
}

// Share is a verified partial signature from one signer.
type Share struct {
	From       string
	Index      int
	KeyVersion int
	Sig        []byte
}

type Manager struct {
	mu        sync.Mutex
	cfg       Config
	phase     Phase
	startedAt time.Time
	responded map[string]struct{}
	byVersion map[int][]Share
	errors    map[wire.ErrorCode]int
	timedOut  bool
	timer     *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewManager(cfg Config) *Manager {
	cfg = defaultConfig(cfg)
	return &Manager{
		cfg:       cfg,
		phase:     PhaseInit,
		responded: make(map[string]struct{}),
		byVersion: make(map[int][]Share),
		errors:    make(map[wire.ErrorCode]int),
	}
}

// Start enters Gather and arms the gather deadline. The returned context is
// cancelled once the session is decided (threshold reached, impossible, timed
// out or stopped) so stragglers can be abandoned.
func (m *Manager) Start(ctx context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.startedAt = time.Now()
	m.phase = PhaseGather
	m.timer = time.AfterFunc(m.cfg.GatherTimeout, m.onTimeout)
	logger.DebugJ("tss_session", map[string]any{"phase": string(m.phase), "op": m.cfg.Op, "trace_id": m.cfg.TraceID})
	return m.ctx
}

// Stop releases the deadline and cancels the session context.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) onTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseGather {
		return
	}
	m.timedOut = true
	m.phase = PhaseDone
	ms := time.Since(m.startedAt).Milliseconds()
	metrics.Inc("tss_sessions_total", map[string]string{"op": m.cfg.Op, "result": "timeout"})
	metrics.ObserveSummary("tss_round_ms", map[string]string{"round": string(PhaseGather)}, float64(ms))
	logger.ErrorJ("tss_session", map[string]any{"result": "timeout", "op": m.cfg.Op, "phase": string(PhaseGather), "latency_ms": ms, "trace_id": m.cfg.TraceID})
	if m.cancel != nil {
		m.cancel()
	}
}

// OnShare records a verified share. It reports true the first time some key
// version reaches the threshold (with WaitAll, once the last signer answered
// and the threshold holds). Repeated responses from one signer are ignored.
func (m *Manager) OnShare(s Share) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseGather {
		return false
	}
	if _, dup := m.responded[s.From]; dup {
		return false
	}
	m.responded[s.From] = struct{}{}
	m.byVersion[s.KeyVersion] = append(m.byVersion[s.KeyVersion], s)
	if m.cfg.WaitAll && len(m.responded) < m.cfg.Total {
		return false
	}
	if !m.reachedLocked() {
		return false
	}
	m.phase = PhaseCombine
	metrics.ObserveSummary("tss_round_ms", map[string]string{"round": string(PhaseGather)}, float64(time.Since(m.startedAt).Milliseconds()))
	logger.DebugJ("tss_session", map[string]any{"phase": string(m.phase), "op": m.cfg.Op, "key_version": s.KeyVersion, "trace_id": m.cfg.TraceID})
	m.releaseLocked()
	return true
}

// OnFailure records a failed signer. It reports true once the threshold can
// no longer be reached by any key version.
func (m *Manager) OnFailure(from string, code wire.ErrorCode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.responded[from]; dup {
		return false
	}
	m.responded[from] = struct{}{}
	if code != wire.CodeCancelledRequestToSigner {
		m.errors[code]++
	}
	metrics.Inc("signer_failures_total", map[string]string{"op": m.cfg.Op, "code": string(code)})
	if m.phase != PhaseGather || !m.impossibleLocked() {
		return false
	}
	m.phase = PhaseDone
	logger.WarnJ("tss_session", map[string]any{"result": "impossible", "op": m.cfg.Op, "failures": m.failuresLocked(), "trace_id": m.cfg.TraceID})
	m.releaseLocked()
	return true
}

func (m *Manager) reachedLocked() bool {
	for _, ss := range m.byVersion {
		if len(ss) >= m.cfg.Threshold {
			return true
		}
	}
	return false
}

func (m *Manager) impossibleLocked() bool {
	best := 0
	for _, ss := range m.byVersion {
		if len(ss) > best {
			best = len(ss)
		}
	}
	pending := m.cfg.Total - len(m.responded)
	return best+pending < m.cfg.Threshold
}

func (m *Manager) failuresLocked() int {
	n := 0
	for _, c := range m.errors {
		n += c
	}
	return n
}

// Result returns the key version that reached the threshold and its shares.
func (m *Manager) Result() (int, []Share, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, ss := range m.byVersion {
		if len(ss) >= m.cfg.Threshold {
			return v, append([]Share(nil), ss...), true
		}
	}
	return 0, nil, false
}

// KeyVersions returns the number of shares per key version.
func (m *Manager) KeyVersions() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int, len(m.byVersion))
	for v, ss := range m.byVersion {
		out[v] = len(ss)
	}
	return out
}

// Errors returns the failure count per error code.
func (m *Manager) Errors() map[wire.ErrorCode]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[wire.ErrorCode]int, len(m.errors))
	for c, n := range m.errors {
		out[c] = n
	}
	return out
}

// MajorityError picks the code the failed signers agree on. Timeouts are
// ignored and ties go to the lower HTTP status. Anything that is not a client
// error collapses to NotEnoughPartialSignatures.
func (m *Manager) MajorityError() wire.ErrorCode {
	return MajorityError(m.Errors())
}

func MajorityError(counts map[wire.ErrorCode]int) wire.ErrorCode {
	codes := make([]wire.ErrorCode, 0, len(counts))
	for c := range counts {
		if c == wire.CodeTimeoutFromSigner {
			continue
		}
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	var best wire.ErrorCode
	bestN := -1
	for _, c := range codes {
		n := counts[c]
		if n > bestN || (n == bestN && c.Status() < best.Status()) {
			best, bestN = c, n
		}
	}
	if bestN <= 0 || best.Status() < 400 || best.Status() >= 500 {
		return wire.CodeNotEnoughPartialSignatures
	}
	return best
}

// Finalize moves the session to Done and records the outcome.
func (m *Manager) Finalize(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseCombine {
		metrics.ObserveSummary("tss_round_ms", map[string]string{"round": string(PhaseCombine)}, float64(time.Since(m.startedAt).Milliseconds()))
	}
	if m.phase != PhaseDone || !m.timedOut {
		metrics.Inc("tss_sessions_total", map[string]string{"op": m.cfg.Op, "result": result})
	}
	m.phase = PhaseDone
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
}

// Status is a read-only snapshot.
type Status struct {
	Phase     Phase
	TimedOut  bool
	Responded int
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Phase: m.phase, TimedOut: m.timedOut, Responded: len(m.responded)}
}
