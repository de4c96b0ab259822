package combiner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// reply is a signer's raw HTTP answer.
type reply struct {
	status int
	header http.Header
	body   []byte
}

// SignerClient posts requests to signers, trying the fallback URL when the
// primary cannot be reached.
type SignerClient struct {
	http *http.Client
}

func NewSignerClient(h *http.Client) *SignerClient {
	if h == nil {
		h = &http.Client{}
	}
	return &SignerClient{http: h}
}

func (c *SignerClient) Post(ctx context.Context, s Signer, path string, body []byte, hdr http.Header) (*reply, error) {
	rep, err := c.post(ctx, s.URL, path, body, hdr)
	if err == nil || s.FallbackURL == "" || ctx.Err() != nil {
		return rep, err
	}
	metrics.Inc("combiner_signer_fallback_total", map[string]string{"signer": s.ID})
	logger.WarnJ("signer_client", map[string]any{"signer": s.ID, "result": "fallback", "err": err.Error()})
	return c.post(ctx, s.FallbackURL, path, body, hdr)
}

func (c *SignerClient) post(ctx context.Context, base, path string, body []byte, hdr http.Header) (*reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := trace.FromContext(ctx); ok {
		req.Header.Set(trace.Header, id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &reply{status: resp.StatusCode, header: resp.Header, body: b}, nil
}

// transportCode classifies a failed call. session is the request-wide
// context; node is the per-signer one.
func transportCode(session, node context.Context) wire.ErrorCode {
	if err := session.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return wire.CodeCancelledRequestToSigner
		}
		return wire.CodeTimeoutFromSigner
	}
	if node.Err() != nil {
		return wire.CodeTimeoutFromSigner
	}
	return wire.CodeSignerRequestError
}

// replyError turns a non-200 reply into the signer's error code. A 429
// carries the signer's retry delay as NotBefore relative to now.
func replyError(rep *reply, now float64) error {
	var f wire.SignResponse
	if err := json.Unmarshal(rep.body, &f); err != nil || f.Error == "" {
		return wire.Errorf(wire.CodeSignerRequestError, "http %d", rep.status)
	}
	e := wire.Errorf(f.Error, "signer answered http %d", rep.status)
	if f.RetryAfter > 0 {
		e.NotBefore = now + f.RetryAfter
	}
	return e
}

func decodeReply[T any](rep *reply) (T, error) {
	var v T
	if err := json.Unmarshal(rep.body, &v); err != nil {
		return v, wire.NewError(wire.CodeSignerRequestError, fmt.Errorf("decode reply: %w", err))
	}
	return v, nil
}
