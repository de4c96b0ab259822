package combiner

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// Handler serves the combiner HTTP API.
type Handler struct {
	c *Combiner
}

func NewHandler(c *Combiner) *Handler { return &Handler{c: c} }

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(trace.Middleware)
	r.Use(countRequests)
	r.Get(wire.PathStatus, h.status)
	r.Post(wire.PathQuota, h.quota)
	r.Post(wire.PathSign, h.sign)
	r.Post(wire.PathDisable, h.disable)
	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Inc("combiner_http_requests_total", map[string]string{"path": r.URL.Path, "code": strconv.Itoa(status)})
		metrics.ObserveSummary("combiner_http_latency_ms", map[string]string{"path": r.URL.Path}, float64(time.Since(start).Milliseconds()))
	})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.StatusResponse{Status: "OK", Version: wire.Version})
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	req, err := wire.DecodeBody[wire.QuotaRequest](r)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	ctx := r.Context()
	if req.SessionID.Defined {
		ctx = trace.WithTraceID(ctx, req.SessionID.Value)
	}
	st, err := h.c.Quota(ctx, req)
	if err != nil {
		wire.WriteError(w, err, h.c.Now())
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
	ctx := r.Context()
	if req.SessionID.Defined {
		ctx = trace.WithTraceID(ctx, req.SessionID.Value)
	}
	res, err := h.c.Sign(ctx, req, version, explicit)
	if err != nil {
		wire.WriteError(w, err, h.c.Now())
		return
	}
	w.Header().Set(wire.HeaderKeyVersion, wire.FormatKeyVersion(res.KeyVersion))
	wire.WriteJSON(w, http.StatusOK, wire.SignResponse{
		Success:    true,
		Version:    wire.Version,
		Signature:  base64.StdEncoding.EncodeToString(res.Signature),
		KeyVersion: res.KeyVersion,
		Status:     res.State,
	})
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	req, err := wire.DecodeBody[wire.DisableRequest](r)
	if err != nil {
		wire.WriteError(w, err, 0)
		return
	}
	ctx := r.Context()
	if req.SessionID.Defined {
		ctx = trace.WithTraceID(ctx, req.SessionID.Value)
	}
	st, err := h.c.Disable(ctx, req)
	if err != nil {
		wire.WriteError(w, err, h.c.Now())
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.QuotaResponse{Success: true, Version: wire.Version, Status: &st})
}
