package signer

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// Admission configures the token bucket in front of the domain endpoints.
type Admission struct {
	RPS   float64
	Burst int
}

// Handler serves the signer HTTP API.
type Handler struct {
	svc   *Service
	admit *rate.Limiter
}

func NewHandler(svc *Service, adm Admission) *Handler {
	h := &Handler{svc: svc}
	if adm.RPS > 0 {
		burst := adm.Burst
		if burst <= 0 {
			burst = int(adm.RPS) + 1
		}
		h.admit = rate.NewLimiter(rate.Limit(adm.RPS), burst)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(trace.Middleware)
	r.Get(wire.PathStatus, h.status)
	r.Group(func(r chi.Router) {
		r.Use(h.admission)
		r.Method(http.MethodPost, wire.PathQuota, wrapMetrics("quota", http.HandlerFunc(h.quota)))
		r.Method(http.MethodPost, wire.PathSign, wrapMetrics("sign", http.HandlerFunc(h.sign)))
		r.Method(http.MethodPost, wire.PathDisable, wrapMetrics("disable", http.HandlerFunc(h.disable)))
	})
	return r
}

func (h *Handler) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.admit != nil && !h.admit.Allow() {
			metrics.Inc("signer_rate_limited_total", map[string]string{"kind": "admission"})
			w.Header().Set(wire.HeaderRetryAfter, "1")
			wire.WriteError(w, wire.Errorf(wire.CodeAPIUnavailable, "admission limit"), 0)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.StatusResponse{Status: "OK", Version: wire.Version, SignerID: h.svc.ID()})
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	req, err := wire.DecodeBody[wire.QuotaRequest](r)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	ctx := withSession(r, req.SessionID.Value)
	st, err := h.svc.Quota(ctx, req)
	if err != nil {
		wire.WriteError(w, err, h.svc.Now())
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.QuotaResponse{Success: true, Version: wire.Version, Status: &st})
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	req, err := wire.DecodeBody[wire.SignRequest](r)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	version, explicit, err := wire.ParseKeyVersion(r.Header)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	ctx := withSession(r, req.SessionID.Value)
	res, err := h.svc.Sign(ctx, req, version, explicit)
	if err != nil {
		wire.WriteError(w, err, h.svc.Now())
		return
	}
	w.Header().Set(wire.HeaderKeyVersion, wire.FormatKeyVersion(res.KeyVersion))
	wire.WriteJSON(w, http.StatusOK, wire.SignResponse{
		Success:    true,
		Version:    wire.Version,
		Signature:  base64.StdEncoding.EncodeToString(res.Signature),
		KeyVersion: res.KeyVersion,
		SignerID:   h.svc.ID(),
		Status:     &res.State,
	})
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	req, err := wire.DecodeBody[wire.DisableRequest](r)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	ctx := withSession(r, req.SessionID.Value)
	st, err := h.svc.Disable(ctx, req)
	if err != nil {
		wire.WriteError(w, err, h.svc.Now())
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.QuotaResponse{Success: true, Version: wire.Version, Status: &st})
}

// withSession uses the request's sessionID as trace id when present.
func withSession(r *http.Request, sessionID string) context.Context {
	if sessionID == "" {
		return r.Context()
	}
	return trace.WithTraceID(r.Context(), sessionID)
}

func wrapMetrics(op string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &respRec{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rr, r)
		ms := time.Since(start).Milliseconds()
		metrics.Inc("signer_http_requests_total", map[string]string{"op": op, "code": strconv.Itoa(rr.code)})
		metrics.ObserveSummary("signer_http_latency_ms", map[string]string{"op": op}, float64(ms))
		tid, _ := trace.FromContext(r.Context())
		logger.DebugJ("signer_http", map[string]any{"op": op, "code": rr.code, "latency_ms": ms, "trace_id": tid})
	})
}

type respRec struct {
	http.ResponseWriter
	code int
}

func (r *respRec) WriteHeader(c int) { r.code = c; r.ResponseWriter.WriteHeader(c) }
