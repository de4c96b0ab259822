package wire

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/zmlAEQ/odis-domains/internal/domain"
)

// MaxBodyBytes bounds request bodies on every endpoint.
const MaxBodyBytes = 64 << 10

// DecodeBody reads one JSON request body into T.
func DecodeBody[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(&v); err != nil {
		return v, Errorf(CodeInvalidInput, "decode body: %v", err)
	}
	return v, nil
}

// DecodeDomain parses a domain descriptor, mapping failures to UnsupportedDomain.
func DecodeDomain(raw json.RawMessage) (domain.Domain, error) {
	if len(raw) == 0 {
		return nil, Errorf(CodeInvalidInput, "missing domain")
	}
	d, err := domain.Decode(raw)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedDomain) {
			return nil, NewError(CodeUnsupportedDomain, err)
		}
		return nil, NewError(CodeInvalidInput, err)
	}
	return d, nil
}

// CheckKind rejects a body whose type does not match the endpoint.
func CheckKind(got, want domain.RequestKind) error {
	if got != want {
		return Errorf(CodeInvalidInput, "type %q, want %q", got, want)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the failure body for err. On ExceededQuota with a known
// NotBefore the Retry-After header and body field are set relative to now.
func WriteError(w http.ResponseWriter, err error, now float64) {
	code := CodeOf(err)
	var e *Error
	if code == CodeExceededQuota && errors.As(err, &e) && e.NotBefore > 0 {
		wait := RetryAfter(e.NotBefore, now)
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(wait))
		WriteJSON(w, code.Status(), SignResponse{Version: Version, Error: code, RetryAfter: float64(wait)})
		return
	}
	WriteJSON(w, code.Status(), FailureResponse{Version: Version, Error: code})
}

// RetryAfter is the whole number of seconds from now until notBefore, at least 1.
func RetryAfter(notBefore, now float64) int {
	d := math.Ceil(notBefore - now)
	if d < 1 {
		return 1
	}
	if d > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(d)
}

// ParseKeyVersion reads the odis-key-version header. ok is false when absent.
func ParseKeyVersion(h http.Header) (int, bool, error) {
	raw := h.Get(HeaderKeyVersion)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false, Errorf(CodeInvalidInput, "bad %s header %q", HeaderKeyVersion, raw)
	}
	return v, true, nil
}

// FormatKeyVersion is the header value for v.
func FormatKeyVersion(v int) string { return strconv.Itoa(v) }
