// Package auth authenticates domain requests: an EIP-712 secp256k1 signature
// bound to the domain's address, plus an exact nonce for replay protection.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/odis-domains/internal/domain"
	"github.com/zmlAEQ/odis-domains/internal/eip712"
	"github.com/zmlAEQ/odis-domains/internal/wire"
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignerMismatch     = errors.New("signature does not recover to the domain address")
)

// Digest is the EIP-712 digest the domain key signs for this request.
func Digest(d domain.Domain, env domain.Envelope) (common.Hash, error) {
	h, err := domain.EncodeForSigning(d, env)
	if err != nil {
		return common.Hash{}, wire.NewError(wire.CodeInvalidInput, err)
	}
	return h, nil
}

// Authenticate checks sig against the domain's address. Keyed domains need a
// valid signature. Unkeyed domains must not carry one and cannot be disabled.
func Authenticate(d domain.Domain, env domain.Envelope, sig eip712.Optional[string]) error {
	addr, keyed := d.Address()
	if !keyed {
		if env.Kind == domain.KindDisable {
			return wire.Errorf(wire.CodeUnauthenticatedUser, "domain %s has no address to authorize disabling", d.Identifier())
		}
		if sig.Defined {
			return wire.Errorf(wire.CodeInvalidAuthSignature, "signature supplied for unauthenticated domain")
		}
		return nil
	}
	if !sig.Defined {
		return wire.Errorf(wire.CodeUnauthenticatedUser, "missing signature")
	}
	digest, err := Digest(d, env)
	if err != nil {
		return err
	}
	got, err := Recover(digest, sig.Value)
	if err != nil {
		return wire.NewError(wire.CodeUnauthenticatedUser, err)
	}
	if got != addr {
		return wire.NewError(wire.CodeUnauthenticatedUser, ErrSignerMismatch)
	}
	return nil
}

// Recover returns the address that produced sigHex (0x-prefixed r||s||v) over
// digest. v may be 0/1 or 27/28; high-s signatures are rejected.
func Recover(digest common.Hash, sigHex string) (common.Address, error) {
	raw, err := hexutil.Decode(sigHex)
	if err != nil || len(raw) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw)
	v := sig[crypto.RecoveryIDOffset]
	switch v {
	case 0, 1:
	case 27, 28:
		v -= 27
	default:
		return common.Address{}, ErrMalformedSignature
	}
	sig[crypto.RecoveryIDOffset] = v
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, ErrMalformedSignature
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the request signature for a keyed domain (v in {27,28}).
func Sign(key *ecdsa.PrivateKey, d domain.Domain, env domain.Envelope) (string, error) {
	digest, err := Digest(d, env)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// CheckNonce enforces replay protection. Signing requests must carry the
// current counter. Disable requests are checked only when a nonce is given.
// Quota reads are never checked.
func CheckNonce(kind domain.RequestKind, nonce eip712.Optional[uint64], st domain.State) error {
	switch kind {
	case domain.KindSign:
		if !nonce.Defined {
			return wire.Errorf(wire.CodeInvalidInput, "nonce is required for signing")
		}
	case domain.KindDisable:
		if !nonce.Defined {
			return nil
		}
	default:
		return nil
	}
	if nonce.Value != st.Counter {
		return &wire.Error{Code: wire.CodeInvalidNonce, Err: fmt.Errorf("nonce %d, counter %d", nonce.Value, st.Counter)}
	}
	return nil
}
