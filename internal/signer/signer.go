// Package signer is one ODIS signer node: it authenticates domain requests,
// enforces each domain's rate limit against its own state store and answers
// accepted signing requests with a partial blind signature.
package signer

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/auth"
	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/store"
	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
	"github.com/zmlAEQ/odis-domains/internal/tss/keys"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

type Config struct {
	SignerID string
	// Enabled gates the domain endpoints; a disabled API answers APIUnavailable.
	Enabled          bool
	RequireSessionID bool
	MaxInflight      int64
}

// Service holds the signing logic independent of HTTP.
type Service struct {
	cfg     Config
	store   store.DomainStateStore
	keys    *keys.Provider
	limiter *InflightLimiter
	now     func() float64
	sign    func(bls.SecretShare, bls.BlindedMessage) (bls.PartialSignature, error)
}

func New(cfg Config, st store.DomainStateStore, kp *keys.Provider) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		keys:    kp,
		limiter: NewInflightLimiter(cfg.MaxInflight),
		now:     unixNow,
		sign:    bls.PartialSign,
	}
}

func unixNow() float64 { return float64(time.Now().Unix()) }

// Now is the service clock in unix seconds.
func (s *Service) Now() float64 { return s.now() }

func (s *Service) ID() string { return s.cfg.SignerID }

// SignResult is an accepted signing request.
type SignResult struct {
	Signature  bls.PartialSignature
	KeyVersion int
	State      domain.State
}

func (s *Service) precheck(sessionID bool) error {
	if !s.cfg.Enabled {
		return wire.Errorf(wire.CodeAPIUnavailable, "domain API disabled")
	}
	if s.cfg.RequireSessionID && !sessionID {
		return wire.Errorf(wire.CodeMissingSessionID, "sessionID is required")
	}
	return nil
}

// Quota returns the domain's current state. Keyed domains must authenticate.
func (s *Service) Quota(ctx context.Context, req wire.QuotaRequest) (st domain.State, err error) {
	begin := time.Now()
	defer func() { s.record(ctx, "quota", begin, err) }()
	if err = s.precheck(req.SessionID.Defined); err != nil {
		return domain.State{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindQuota); err != nil {
		return domain.State{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return domain.State{}, err
	}
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return domain.State{}, err
	}
	st, err = s.store.Get(ctx, d.Hash())
	if err != nil {
		return domain.State{}, err
	}
	if st.Disabled {
		return domain.State{}, wire.NewError(wire.CodeDisabledDomain, nil)
	}
	st.Now = s.now()
	return st, nil
}

// Sign authenticates req, checks disabled, nonce and rate limit inside one
// atomic store update and releases the partial signature only once the new
// state is persisted.
func (s *Service) Sign(ctx context.Context, req wire.SignRequest, keyVersion int, explicit bool) (res SignResult, err error) {
	begin := time.Now()
	defer func() { s.record(ctx, "sign", begin, err) }()
	if err = s.precheck(req.SessionID.Defined); err != nil {
		return SignResult{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindSign); err != nil {
		return SignResult{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return SignResult{}, err
	}
	blinded, err := decodeBlinded(req.BlindedMessage)
	if err != nil {
		return SignResult{}, err
	}
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return SignResult{}, err
	}
	if !explicit {
		keyVersion = s.keys.LatestVersion()
	}
	share, err := s.keys.Share(ctx, keyVersion)
	if err != nil {
		return SignResult{}, wire.NewError(wire.CodeKeyFetchError, err)
	}
	if !s.limiter.TryOpen() {
		return SignResult{}, wire.Errorf(wire.CodeAPIUnavailable, "too many signing operations in flight")
	}
	defer s.limiter.Close()

	now := s.now()
	var sig bls.PartialSignature
	st, err := s.store.Update(ctx, d.Hash(), func(cur domain.State) (domain.State, error) {
		if cur.Disabled {
			return cur, wire.NewError(wire.CodeDisabledDomain, nil)
		}
		if err := auth.CheckNonce(domain.KindSign, req.Options.Nonce, cur); err != nil {
			return cur, err
		}
		r := d.Evaluate(now, cur)
		if !r.Accepted {
			return cur, &wire.Error{Code: wire.CodeExceededQuota, NotBefore: r.NotBefore}
		}
		p, err := s.partialSign(share.Secret, blinded)
		if err != nil {
			return cur, err
		}
		sig = p
		return r.State, nil
	})
	if err != nil {
		return SignResult{}, err
	}
	st.Now = now
	return SignResult{Signature: sig, KeyVersion: keyVersion, State: st}, nil
}

// partialSign retries once before giving up.
func (s *Service) partialSign(sk []byte, blinded bls.BlindedMessage) (bls.PartialSignature, error) {
	sig, err := s.sign(bls.SecretShare(sk), blinded)
	if err == nil {
		return sig, nil
	}
	metrics.Inc("signer_sign_retries_total", nil)
	logger.WarnJ("signer_sign", map[string]any{"result": "retry", "err": err.Error()})
	if sig, err = s.sign(bls.SecretShare(sk), blinded); err != nil {
		return nil, wire.NewError(wire.CodeSignatureComputationFailure, err)
	}
	return sig, nil
}

// Disable permanently disables a keyed domain. Disabling twice succeeds.
func (s *Service) Disable(ctx context.Context, req wire.DisableRequest) (st domain.State, err error) {
	begin := time.Now()
	defer func() { s.record(ctx, "disable", begin, err) }()
	if err = s.precheck(req.SessionID.Defined); err != nil {
		return domain.State{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindDisable); err != nil {
		return domain.State{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return domain.State{}, err
	}
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return domain.State{}, err
	}
	st, err = s.store.Update(ctx, d.Hash(), func(cur domain.State) (domain.State, error) {
		if err := auth.CheckNonce(domain.KindDisable, req.Options.Nonce, cur); err != nil {
			return cur, err
		}
		cur.Disabled = true
		return cur, nil
	})
	if err != nil {
		return domain.State{}, err
	}
	st.Now = s.now()
	return st, nil
}

func decodeBlinded(s string) (bls.BlindedMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, wire.Errorf(wire.CodeInvalidInput, "blindedMessage: %v", err)
	}
	if _, err := bls381.DecodeG2(raw); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidInput, "blindedMessage: %v", err)
	}
	return bls.BlindedMessage(raw), nil
}

func (s *Service) record(ctx context.Context, op string, begin time.Time, err error) {
	ms := time.Since(begin).Milliseconds()
	tid, _ := trace.FromContext(ctx)
	code := "ok"
	if err != nil {
		code = string(wire.CodeOf(err))
	}
	metrics.Inc("signer_requests_total", map[string]string{"op": op, "code": code})
	metrics.ObserveSummary("signer_request_ms", map[string]string{"op": op}, float64(ms))
	fields := map[string]any{"op": op, "result": code, "latency_ms": ms, "trace_id": tid, "signer": s.cfg.SignerID}
	switch {
	case err == nil:
		logger.InfoJ("signer_request", fields)
	case wire.CodeOf(err).Status() >= 500:
		fields["err"] = err.Error()
		logger.ErrorJ("signer_request", fields)
	default:
		var we *wire.Error
		if errors.As(err, &we) && we.NotBefore > 0 {
			fields["not_before"] = we.NotBefore
		}
		logger.WarnJ("signer_request", fields)
	}
}
