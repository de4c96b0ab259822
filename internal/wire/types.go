package wire

import (
	"encoding/json"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
)

// Version is reported in every response body.
const Version = "1.0.0"

// HTTP paths shared by signers and the combiner.
const (
	PathQuota   = "/domain/quota"
	PathSign    = "/domain/sign"
	PathDisable = "/domain/disable"
	PathStatus  = "/status"
)

// Headers.
const (
	HeaderKeyVersion  = "odis-key-version"
	HeaderBlockNumber = "odis-block-number"
	HeaderRetryAfter  = "Retry-After"
)

// Options are the per-request authorization fields.
type Options struct {
	Signature eip712.Optional[string] `json:"signature"`
	Nonce     eip712.Optional[uint64] `json:"nonce"`
}

// QuotaRequest asks for a domain's current state. It never mutates it.
type QuotaRequest struct {
	Type      domain.RequestKind      `json:"type"`
	Domain    json.RawMessage         `json:"domain"`
	Options   Options                 `json:"options"`
	SessionID eip712.Optional[string] `json:"sessionID"`
}

// SignRequest asks for a signature over BlindedMessage (base64 compressed G2).
type SignRequest struct {
	Type           domain.RequestKind      `json:"type"`
	Domain         json.RawMessage         `json:"domain"`
	Options        Options                 `json:"options"`
	BlindedMessage string                  `json:"blindedMessage"`
	SessionID      eip712.Optional[string] `json:"sessionID"`
}

// DisableRequest permanently disables a keyed domain.
type DisableRequest struct {
	Type      domain.RequestKind      `json:"type"`
	Domain    json.RawMessage         `json:"domain"`
	Options   Options                 `json:"options"`
	SessionID eip712.Optional[string] `json:"sessionID"`
}

func (r QuotaRequest) Envelope() domain.Envelope {
	return domain.Envelope{Kind: domain.KindQuota, Nonce: r.Options.Nonce, SessionID: r.SessionID}
}

func (r SignRequest) Envelope() domain.Envelope {
	return domain.Envelope{Kind: domain.KindSign, BlindedMessage: r.BlindedMessage, Nonce: r.Options.Nonce, SessionID: r.SessionID}
}

func (r DisableRequest) Envelope() domain.Envelope {
	return domain.Envelope{Kind: domain.KindDisable, Nonce: r.Options.Nonce, SessionID: r.SessionID}
}

// QuotaResponse is returned by quota and disable endpoints.
type QuotaResponse struct {
	Success bool          `json:"success"`
	Version string        `json:"version"`
	Status  *domain.State `json:"status,omitempty"`
	Error   ErrorCode     `json:"error,omitempty"`
}

// SignResponse is a signer's partial signature or the combiner's combined one.
type SignResponse struct {
	Success    bool          `json:"success"`
	Version    string        `json:"version"`
	Signature  string        `json:"signature,omitempty"`
	KeyVersion int           `json:"keyVersion,omitempty"`
	SignerID   string        `json:"signerId,omitempty"`
	Status     *domain.State `json:"status,omitempty"`
	Error      ErrorCode     `json:"error,omitempty"`
	// RetryAfter is seconds until the domain accepts the next request (429 only).
	RetryAfter float64 `json:"retryAfter,omitempty"`
}

// FailureResponse is the body of every non-2xx response.
type FailureResponse struct {
	Success bool      `json:"success"`
	Version string    `json:"version"`
	Error   ErrorCode `json:"error"`
}

// StatusResponse answers GET /status.
type StatusResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	SignerID string `json:"signerId,omitempty"`
}
