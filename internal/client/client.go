// Package client talks to an ODIS combiner: it blinds the caller's input,
// authorizes requests with the domain key and unblinds the combined
// signature.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/auth"
	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

// Message is what the group key finally signs for input under d.
func Message(d domain.Domain, input []byte) []byte {
	h := d.Hash()
	out := make([]byte, 0, len(h)+len(input))
	out = append(out, h[:]...)
	return append(out, input...)
}

func marshalDomain(d domain.Domain) (json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, wire.NewError(wire.CodeInvalidInput, err)
	}
	return raw, nil
}

func signOpts(key *ecdsa.PrivateKey, d domain.Domain, env domain.Envelope) (wire.Options, error) {
	opts := wire.Options{Nonce: env.Nonce}
	if key == nil {
		return opts, nil
	}
	sig, err := auth.Sign(key, d, env)
	if err != nil {
		return opts, err
	}
	opts.Signature = eip712.Some(sig)
	return opts, nil
}

// NewQuotaRequest builds a quota request, signed when key is non-nil.
func NewQuotaRequest(d domain.Domain, key *ecdsa.PrivateKey, sessionID eip712.Optional[string]) (wire.QuotaRequest, error) {
	raw, err := marshalDomain(d)
	if err != nil {
		return wire.QuotaRequest{}, err
	}
	req := wire.QuotaRequest{Type: domain.KindQuota, Domain: raw, SessionID: sessionID}
	req.Options, err = signOpts(key, d, req.Envelope())
	return req, err
}

// NewSignRequest builds a signing request over an already blinded message.
func NewSignRequest(d domain.Domain, blinded bls.BlindedMessage, nonce eip712.Optional[uint64], key *ecdsa.PrivateKey, sessionID eip712.Optional[string]) (wire.SignRequest, error) {
	raw, err := marshalDomain(d)
	if err != nil {
		return wire.SignRequest{}, err
	}
	req := wire.SignRequest{
		Type:           domain.KindSign,
		Domain:         raw,
		BlindedMessage: base64.StdEncoding.EncodeToString(blinded),
		Options:        wire.Options{Nonce: nonce},
		SessionID:      sessionID,
	}
	req.Options, err = signOpts(key, d, req.Envelope())
	return req, err
}

// NewDisableRequest builds a disable request. key is required.
func NewDisableRequest(d domain.Domain, nonce eip712.Optional[uint64], key *ecdsa.PrivateKey, sessionID eip712.Optional[string]) (wire.DisableRequest, error) {
	raw, err := marshalDomain(d)
	if err != nil {
		return wire.DisableRequest{}, err
	}
	req := wire.DisableRequest{Type: domain.KindDisable, Domain: raw, Options: wire.Options{Nonce: nonce}, SessionID: sessionID}
	req.Options, err = signOpts(key, d, req.Envelope())
	return req, err
}

// Client calls one combiner.
type Client struct {
	base string
	gpk  bls.GroupPublicKey
	http *http.Client
	rnd  io.Reader
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

func WithRandom(r io.Reader) Option { return func(cl *Client) { cl.rnd = r } }

// New returns a client for the combiner at baseURL. gpk verifies results.
func New(baseURL string, gpk bls.GroupPublicKey, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		gpk:  gpk,
		http: &http.Client{Timeout: 30 * time.Second},
		rnd:  rand.Reader,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Quota returns the threshold view of d's state.
func (c *Client) Quota(ctx context.Context, d domain.Domain, key *ecdsa.PrivateKey) (domain.State, error) {
	req, err := NewQuotaRequest(d, key, session(ctx))
	if err != nil {
		return domain.State{}, err
	}
	var resp wire.QuotaResponse
	if err := c.post(ctx, wire.PathQuota, req, &resp); err != nil {
		return domain.State{}, err
	}
	if resp.Status == nil {
		return domain.State{}, wire.Errorf(wire.CodeUnknown, "quota response without status")
	}
	return *resp.Status, nil
}

// Sign obtains the group signature over Message(d, input). For keyed domains
// without a nonce the current counter is read first.
func (c *Client) Sign(ctx context.Context, d domain.Domain, input []byte, nonce eip712.Optional[uint64], key *ecdsa.PrivateKey) (bls.Signature, error) {
	if _, keyed := d.Address(); keyed && !nonce.Defined {
		st, err := c.Quota(ctx, d, key)
		if err != nil {
			return nil, err
		}
		nonce = eip712.Some(st.Counter)
	}
	msg := Message(d, input)
	blinded, factor, err := bls.Blind(msg, c.rnd)
	if err != nil {
		return nil, err
	}
	req, err := NewSignRequest(d, blinded, nonce, key, session(ctx))
	if err != nil {
		return nil, err
	}
	var resp wire.SignResponse
	if err := c.post(ctx, wire.PathSign, req, &resp); err != nil {
		return nil, err
	}
	combined, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, wire.Errorf(wire.CodeInvalidInput, "signature: %v", err)
	}
	if !bls.VerifyAgg(combined, c.gpk, blinded) {
		return nil, wire.NewError(wire.CodeSignatureComputationFailure, bls.ErrInvalidSignature)
	}
	sig, err := bls.Unblind(combined, factor)
	if err != nil {
		return nil, err
	}
	if !bls.VerifyUnblinded(sig, c.gpk, msg) {
		return nil, wire.NewError(wire.CodeSignatureComputationFailure, bls.ErrInvalidSignature)
	}
	return sig, nil
}

// Disable permanently disables d.
func (c *Client) Disable(ctx context.Context, d domain.Domain, key *ecdsa.PrivateKey) (domain.State, error) {
	req, err := NewDisableRequest(d, eip712.None[uint64](), key, session(ctx))
	if err != nil {
		return domain.State{}, err
	}
	var resp wire.QuotaResponse
	if err := c.post(ctx, wire.PathDisable, req, &resp); err != nil {
		return domain.State{}, err
	}
	if resp.Status == nil {
		return domain.State{Disabled: true}, nil
	}
	return *resp.Status, nil
}

func session(ctx context.Context) eip712.Optional[string] {
	if id, ok := trace.FromContext(ctx); ok {
		return eip712.Some(id)
	}
	return eip712.None[string]()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := trace.FromContext(ctx); ok {
		req.Header.Set(trace.Header, id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var f wire.SignResponse
		if json.Unmarshal(raw, &f) != nil || f.Error == "" {
			return wire.Errorf(wire.CodeUnknown, "%s: http %d", path, resp.StatusCode)
		}
		e := &wire.Error{Code: f.Error}
		if f.RetryAfter > 0 {
			e.NotBefore = float64(time.Now().Unix()) + f.RetryAfter
		}
		return e
	}
	return json.Unmarshal(raw, out)
}
