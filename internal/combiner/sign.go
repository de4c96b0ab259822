package combiner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/auth"
	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
	"github.com/zmlAEQ/odis-domains/internal/tss/session"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// SignResult is a combined blind signature.
type SignResult struct {
	Signature  bls.Signature
	KeyVersion int
	// State is the threshold view of the domain after signing, when the
	// signers reported it.
	State *domain.State
}

func (c *Combiner) precheck(sessionID bool) error {
	if !c.cfg.Enabled {
		return wire.Errorf(wire.CodeAPIUnavailable, "domain API disabled")
	}
	if c.cfg.RequireSessionID && !sessionID {
		return wire.Errorf(wire.CodeMissingSessionID, "sessionID is required")
	}
	return nil
}

// Sign obtains t verified partial signatures at one key version and
// combines them.
func (c *Combiner) Sign(ctx context.Context, req wire.SignRequest, keyVersion int, explicit bool) (res SignResult, err error) {
	begin := time.Now()
	var domainHash string
	defer func() { c.record(ctx, "sign", domainHash, begin, err) }()
	if err = c.precheck(req.SessionID.Defined); err != nil {
		return SignResult{}, err
	}
	if err = wire.CheckKind(req.Type, domain.KindSign); err != nil {
		return SignResult{}, err
	}
	d, err := wire.DecodeDomain(req.Domain)
	if err != nil {
		return SignResult{}, err
	}
	domainHash = d.Hash().Hex()
	raw, err := base64.StdEncoding.DecodeString(req.BlindedMessage)
	if err != nil {
		return SignResult{}, wire.Errorf(wire.CodeInvalidInput, "blindedMessage: %v", err)
	}
	if _, err = bls381.DecodeG2(raw); err != nil {
		return SignResult{}, wire.Errorf(wire.CodeInvalidInput, "blindedMessage: %v", err)
	}
	blinded := bls.BlindedMessage(raw)
	if err = auth.Authenticate(d, req.Envelope(), req.Options.Signature); err != nil {
		return SignResult{}, err
	}
	if !req.Options.Nonce.Defined {
		if _, keyed := d.Address(); keyed {
			return SignResult{}, wire.Errorf(wire.CodeInvalidInput, "nonce is required for authenticated domains")
		}
		st, err := c.quorumState(ctx, d, req.SessionID)
		if err != nil {
			return SignResult{}, err
		}
		req.Options.Nonce = eip712.Some(st.Counter)
	}
	if !explicit {
		keyVersion = c.cfg.KeyVersion
	}
	gpk, ok := c.cfg.GroupPublicKeys[keyVersion]
	if !ok {
		return SignResult{}, wire.Errorf(wire.CodeInvalidInput, "unknown key version %d", keyVersion)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SignResult{}, wire.NewError(wire.CodeInvalidInput, err)
	}
	hdr := http.Header{}
	if explicit {
		hdr.Set(wire.HeaderKeyVersion, strconv.Itoa(keyVersion))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	var states stateSet
	f := c.dispatch(ctx, "sign", wire.PathSign, body, hdr, false, func(s Signer, rep *reply) (session.Share, error) {
		sr, err := decodeReply[wire.SignResponse](rep)
		if err != nil {
			return session.Share{}, err
		}
		v := sr.KeyVersion
		if hv, err := strconv.Atoi(rep.header.Get(wire.HeaderKeyVersion)); err == nil {
			v = hv
		}
		sig, err := base64.StdEncoding.DecodeString(sr.Signature)
		if err != nil {
			return session.Share{}, wire.Errorf(wire.CodeVerifyPartialSignatureError, "signature encoding: %v", err)
		}
		pk, ok := s.PublicShares[v]
		if !ok {
			return session.Share{}, wire.Errorf(wire.CodeVerifyPartialSignatureError, "no public share for key version %d", v)
		}
		if !bls.VerifyShare(sig, pk, blinded) {
			metrics.Inc("combiner_invalid_shares_total", map[string]string{"signer": s.ID})
			return session.Share{}, wire.Errorf(wire.CodeVerifyPartialSignatureError, "share from %s does not verify", s.ID)
		}
		if sr.Status != nil {
			states.add(*sr.Status)
		}
		return session.Share{From: s.ID, Index: s.Index, KeyVersion: v, Sig: sig}, nil
	})
	defer f.mgr.Stop()
	c.reportDiscrepancies(ctx, "sign", domainHash, f)
	tid, _ := trace.FromContext(ctx)
	f.logFailures("sign", tid)

	version, shares, ok := f.mgr.Result()
	if !ok {
		code := f.mgr.MajorityError()
		f.mgr.Finalize("fail")
		c.reportFailure(ctx, "sign", domainHash, code, f)
		e := wire.Errorf(code, "threshold not reached")
		if code == wire.CodeExceededQuota {
			e.NotBefore = f.retryAt(c.cfg.Threshold)
		}
		return SignResult{}, e
	}
	if version != keyVersion {
		if gpk, ok = c.cfg.GroupPublicKeys[version]; !ok {
			f.mgr.Finalize("fail")
			return SignResult{}, wire.Errorf(wire.CodeInconsistentSignerResponses, "signers agreed on unknown key version %d", version)
		}
	}
	partials := make([]bls.IndexedPartial, 0, len(shares))
	for _, s := range shares {
		partials = append(partials, bls.IndexedPartial{Index: s.Index, Sig: s.Sig})
	}
	combined, err := bls.Combine(partials, c.cfg.Threshold)
	if err != nil || !bls.VerifyAgg(combined, gpk, blinded) {
		f.mgr.Finalize("fail")
		logger.ErrorJ("combiner_combine", map[string]any{"result": "invalid", "key_version": version, "trace_id": tid})
		return SignResult{}, wire.Errorf(wire.CodeNotEnoughPartialSignatures, "combined signature does not verify")
	}
	f.mgr.Finalize("ok")
	res = SignResult{Signature: combined, KeyVersion: version}
	if st, err := states.threshold(c.cfg.Threshold, len(c.cfg.Signers)); err == nil {
		st.Now = c.now()
		res.State = &st
	}
	return res, nil
}

func (c *Combiner) record(ctx context.Context, op, domainHash string, begin time.Time, err error) {
	ms := time.Since(begin).Milliseconds()
	tid, _ := trace.FromContext(ctx)
	code := "ok"
	if err != nil {
		code = string(wire.CodeOf(err))
	}
	metrics.Inc("combiner_requests_total", map[string]string{"op": op, "code": code})
	metrics.ObserveSummary("combiner_request_ms", map[string]string{"op": op}, float64(ms))
	fields := map[string]any{"op": op, "result": code, "latency_ms": ms, "trace_id": tid, "domain": domainHash}
	if err != nil && wire.CodeOf(err).Status() >= 500 {
		fields["err"] = err.Error()
		logger.ErrorJ("combiner_request", fields)
		return
	}
	logger.InfoJ("combiner_request", fields)
}
