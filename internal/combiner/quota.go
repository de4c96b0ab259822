package combiner

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/auth"
	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/tss/session"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

var ErrInsufficientStates = errors.New("insufficient signer states")

// ThresholdState reduces the states reported by the signers to the most
// permissive view that at least t of them agree on. n is the number of
// signers in the deployment. The domain reads as disabled once fewer than t
// signers could still serve it.
func ThresholdState(states []domain.State, t, n int) (domain.State, error) {
	if len(states) < t {
		return domain.State{}, ErrInsufficientStates
	}
	disabled := 0
	for _, s := range states {
		if s.Disabled {
			disabled++
		}
	}
	if disabled > 0 && disabled < len(states) {
		logger.WarnJ("combiner_quota", map[string]any{"result": "inconsistent_disabled", "disabled": disabled, "responses": len(states)})
	}
	if n-disabled < t {
		return domain.State{Disabled: true}, nil
	}
	if len(states)-disabled < t {
		return domain.State{}, ErrInsufficientStates
	}
	enabled := make([]domain.State, 0, len(states)-disabled)
	for _, s := range states {
		if !s.Disabled {
			enabled = append(enabled, s)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Counter < enabled[j].Counter })
	counter := enabled[t-1].Counter

	timers := make([]float64, 0, len(enabled))
	for _, s := range enabled {
		if s.Counter <= counter {
			timers = append(timers, s.Timer)
		}
	}
	sort.Float64s(timers)
	return domain.State{Counter: counter, Timer: timers[t-1]}, nil
}

// stateSet collects states from concurrent replies.
type stateSet struct {
	mu     sync.Mutex
	states []domain.State
}

func (s *stateSet) add(st domain.State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateSet) threshold(t, n int) (domain.State, error) {
	s.mu.Lock()
	states := append([]domain.State(nil), s.states...)
	s.mu.Unlock()
	return ThresholdState(states, t, n)
}

// Quota returns the threshold view of the domain state.
func (c *Combiner) Quota(ctx context.Context, req wire.QuotaRequest) (st domain.State, err error) {
	begin := time.Now()
	var domainHash string
	defer func() { c.record(ctx, "quota", domainHash, begin, err) }()
	if err = c.precheck(req.SessionID.Defined); err != nil {
		return domain.State{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindQuota); err != nil {
		return domain.State{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return domain.State{}, err
	}
	domainHash = d.Hash().Hex()
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return domain.State{}, err
	}
	return c.quota(ctx, domainHash, req)
}

// quorumState reads the state of an unkeyed domain to learn its nonce.
func (c *Combiner) quorumState(ctx context.Context, d domain.Domain, sessionID eip712.Optional[string]) (domain.State, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return domain.State{}, wire.NewError(wire.CodeInvalidInput, err)
	}
	return c.quota(ctx, d.Hash().Hex(), wire.QuotaRequest{Type: domain.KindQuota, Domain: raw, SessionID: sessionID})
}

func (c *Combiner) quota(ctx context.Context, domainHash string, req wire.QuotaRequest) (domain.State, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.State{}, wire.NewError(wire.CodeInvalidInput, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	var states stateSet
	f := c.dispatch(ctx, "quota", wire.PathQuota, body, nil, true, func(s Signer, rep *reply) (session.Share, error) {
		qr, err := decodeReply[wire.QuotaResponse](rep)
		if err != nil {
			return session.Share{}, err
		}
		if qr.Status == nil {
			return session.Share{}, wire.Errorf(wire.CodeSignerRequestError, "reply without status")
		}
		states.add(*qr.Status)
		return session.Share{From: s.ID, Index: s.Index}, nil
	})
	defer f.mgr.Stop()
	c.reportDiscrepancies(ctx, "quota", domainHash, f)
	tid, _ := trace.FromContext(ctx)
	f.logFailures("quota", tid)

	// Signers answer quota on a disabled domain with DisabledDomain.
	for i := 0; i < f.mgr.Errors()[wire.CodeDisabledDomain]; i++ {
		states.add(domain.State{Disabled: true})
	}
	st, err := states.threshold(c.cfg.Threshold, len(c.cfg.Signers))
	if err == nil && st.Disabled {
		f.mgr.Finalize("disabled")
		return domain.State{}, wire.Errorf(wire.CodeDisabledDomain, "domain %s is disabled", domainHash)
	}
	if err != nil {
		code := f.mgr.MajorityError()
		f.mgr.Finalize("fail")
		c.reportFailure(ctx, "quota", domainHash, code, f)
		return domain.State{}, wire.NewError(code, err)
	}
	f.mgr.Finalize("ok")
	st.Now = c.now()
	return st, nil
}

// Disable forwards a disable request and succeeds once t signers report the
// domain disabled.
func (c *Combiner) Disable(ctx context.Context, req wire.DisableRequest) (st domain.State, err error) {
	begin := time.Now()
	var domainHash string
	defer func() { c.record(ctx, "disable", domainHash, begin, err) }()
	if err = c.precheck(req.SessionID.Defined); err != nil {
		return domain.State{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindDisable); err != nil {
		return domain.State{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return domain.State{}, err
	}
	domainHash = d.Hash().Hex()
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return domain.State{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.State{}, wire.NewError(wire.CodeInvalidInput, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	f := c.dispatch(ctx, "disable", wire.PathDisable, body, nil, false, func(s Signer, rep *reply) (session.Share, error) {
		qr, err := decodeReply[wire.QuotaResponse](rep)
		if err != nil {
			return session.Share{}, err
		}
		if qr.Status != nil && !qr.Status.Disabled {
			return session.Share{}, wire.Errorf(wire.CodeSignerRequestError, "signer %s did not disable the domain", s.ID)
		}
		return session.Share{From: s.ID, Index: s.Index}, nil
	})
	defer f.mgr.Stop()
	tid, _ := trace.FromContext(ctx)
	f.logFailures("disable", tid)
	if _, _, ok := f.mgr.Result(); !ok {
		code := f.mgr.MajorityError()
		f.mgr.Finalize("fail")
		c.reportFailure(ctx, "disable", domainHash, code, f)
		return domain.State{}, wire.Errorf(code, "disable quorum not reached")
	}
	f.mgr.Finalize("ok")
	return domain.State{Disabled: true, Now: c.now()}, nil
}
