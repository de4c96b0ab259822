package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmlAEQ/odis-domains/internal/auth"
	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/internal/tss/keys"
	"github.com/zmlAEQ/odis-domains/internal/wire"
	"github.com/zmlAEQ/odis-domains/pkg/trace"
)

func unkeyed(t *testing.T) *domain.SequentialDelayDomain {
	t.Helper()
	d, err := domain.NewSequentialDelay([]domain.SequentialDelayStage{{Delay: 1}}, nil, eip712.None[string]())
	require.NoError(t, err)
	return d
}

func TestMessage_PrefixesDomainHash(t *testing.T) {
	d := unkeyed(t)
	m := Message(d, []byte("input"))
	h := d.Hash()
	assert.True(t, bytes.HasPrefix(m, h[:]))
	assert.Equal(t, []byte("input"), m[len(h):])
}

func TestNewSignRequest_SignedByDomainKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	d, err := domain.NewSequentialDelay([]domain.SequentialDelayStage{{Delay: 1}}, &addr, eip712.None[string]())
	require.NoError(t, err)
	blinded, _, err := bls.Blind([]byte("m"), rand.Reader)
	require.NoError(t, err)

	req, err := NewSignRequest(d, blinded, eip712.Some[uint64](4), key, eip712.Some("s1"))
	require.NoError(t, err)
	require.True(t, req.Options.Signature.Defined)
	assert.NoError(t, auth.Authenticate(d, req.Envelope(), req.Options.Signature))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := NewSignRequest(d, blinded, eip712.Some[uint64](4), other, eip712.Some("s1"))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeUnauthenticatedUser, wire.CodeOf(auth.Authenticate(d, forged.Envelope(), forged.Options.Signature)))
}

func TestClient_DecodesRateLimitError(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(trace.Header)
		now := float64(time.Now().Unix())
		wire.WriteError(w, &wire.Error{Code: wire.CodeExceededQuota, NotBefore: now + 30}, now)
	}))
	defer srv.Close()

	ctx := trace.WithTraceID(context.Background(), "session-9")
	_, err := New(srv.URL, nil).Quota(ctx, unkeyed(t), nil)
	var we *wire.Error
	require.True(t, errors.As(err, &we))
	assert.Equal(t, wire.CodeExceededQuota, we.Code)
	assert.Greater(t, we.NotBefore, float64(time.Now().Unix()))
	assert.Equal(t, "session-9", gotTrace)
}

func TestClient_RejectsUnverifiableSignature(t *testing.T) {
	d, err := keys.Deal(rand.Reader, 1, 1, 1)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire.WriteJSON(w, http.StatusOK, wire.SignResponse{Success: true, Version: wire.Version, Signature: "AAAA"})
	}))
	defer srv.Close()

	_, err = New(srv.URL, d.GroupPublicKey).Sign(context.Background(), unkeyed(t), []byte("x"), eip712.Some[uint64](0), nil)
	assert.Equal(t, wire.CodeSignatureComputationFailure, wire.CodeOf(err))
}

func TestClient_NonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := New(srv.URL, nil).Quota(context.Background(), unkeyed(t), nil)
	assert.Equal(t, wire.CodeUnknown, wire.CodeOf(err))
}
