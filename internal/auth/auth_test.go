package auth

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/wire"
)

func keyedDomain(t *testing.T) (*domain.SequentialDelayDomain, func(domain.Envelope) string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	d, err := domain.NewSequentialDelay([]domain.SequentialDelayStage{{Delay: 1}}, &addr, eip712.Some("auth"))
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	sign := func(env domain.Envelope) string {
		s, err := Sign(key, d, env)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	return d, sign
}

func unkeyedDomain(t *testing.T) *domain.SequentialDelayDomain {
	t.Helper()
	d, err := domain.NewSequentialDelay([]domain.SequentialDelayStage{{Delay: 1}}, nil, eip712.None[string]())
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	return d
}

func TestAuthenticate_KeyedDomain(t *testing.T) {
	d, sign := keyedDomain(t)
	env := domain.Envelope{Kind: domain.KindSign, BlindedMessage: "bm", Nonce: eip712.Some[uint64](0)}
	sig := sign(env)
	if err := Authenticate(d, env, eip712.Some(sig)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Changing any signed field breaks the signature.
	tampered := env
	tampered.Nonce = eip712.Some[uint64](1)
	if err := Authenticate(d, tampered, eip712.Some(sig)); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("tampered nonce: %v", err)
	}
	tampered = env
	tampered.BlindedMessage = "other"
	if err := Authenticate(d, tampered, eip712.Some(sig)); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("tampered message: %v", err)
	}
	if err := Authenticate(d, env, eip712.None[string]()); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("missing signature: %v", err)
	}
	if err := Authenticate(d, env, eip712.Some("0xdeadbeef")); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("malformed signature: %v", err)
	}

	// A signature by a different key is rejected.
	_, signOther := keyedDomain(t)
	if err := Authenticate(d, env, eip712.Some(signOther(env))); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("foreign key: %v", err)
	}
}

func TestAuthenticate_DisableNeedsSignatureOfSameKind(t *testing.T) {
	d, sign := keyedDomain(t)
	quota := domain.Envelope{Kind: domain.KindQuota}
	disable := domain.Envelope{Kind: domain.KindDisable}
	if err := Authenticate(d, disable, eip712.Some(sign(quota))); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("quota signature accepted for disable: %v", err)
	}
	if err := Authenticate(d, disable, eip712.Some(sign(disable))); err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestAuthenticate_UnkeyedDomain(t *testing.T) {
	d := unkeyedDomain(t)
	env := domain.Envelope{Kind: domain.KindSign, Nonce: eip712.Some[uint64](0)}
	if err := Authenticate(d, env, eip712.None[string]()); err != nil {
		t.Fatalf("unkeyed: %v", err)
	}
	if err := Authenticate(d, env, eip712.Some("0x00")); wire.CodeOf(err) != wire.CodeInvalidAuthSignature {
		t.Fatalf("want InvalidAuthSignature, got %v", err)
	}
	if err := Authenticate(d, domain.Envelope{Kind: domain.KindDisable}, eip712.None[string]()); wire.CodeOf(err) != wire.CodeUnauthenticatedUser {
		t.Fatalf("unkeyed disable: %v", err)
	}
}

func TestRecover_VariantsOfV(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256Hash([]byte("digest"))
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for _, off := range []byte{0, 27} {
		s := append([]byte(nil), sig...)
		s[64] += off
		got, err := Recover(digest, hexutil.Encode(s))
		if err != nil || got != want {
			t.Fatalf("v offset %d: got %s err %v", off, got.Hex(), err)
		}
	}
	bad := append([]byte(nil), sig...)
	bad[64] = 5
	if _, err := Recover(digest, hexutil.Encode(bad)); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("v=5 accepted: %v", err)
	}
	if _, err := Recover(digest, "not-hex"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("non-hex accepted")
	}
}

func TestCheckNonce(t *testing.T) {
	st := domain.State{Counter: 4}
	cases := []struct {
		kind  domain.RequestKind
		nonce eip712.Optional[uint64]
		want  wire.ErrorCode
	}{
		{domain.KindSign, eip712.Some[uint64](4), ""},
		{domain.KindSign, eip712.Some[uint64](3), wire.CodeInvalidNonce},
		{domain.KindSign, eip712.Some[uint64](5), wire.CodeInvalidNonce},
		{domain.KindSign, eip712.None[uint64](), wire.CodeInvalidInput},
		{domain.KindDisable, eip712.None[uint64](), ""},
		{domain.KindDisable, eip712.Some[uint64](2), wire.CodeInvalidNonce},
		{domain.KindQuota, eip712.Some[uint64](99), ""},
	}
	for i, c := range cases {
		err := CheckNonce(c.kind, c.nonce, st)
		if c.want == "" {
			if err != nil {
				t.Fatalf("case %d: unexpected %v", i, err)
			}
			continue
		}
		if wire.CodeOf(err) != c.want {
			t.Fatalf("case %d: got %v want %s", i, err, c.want)
		}
	}
}
