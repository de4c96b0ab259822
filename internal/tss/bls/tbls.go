// Package bls implements blind threshold BLS on BLS12-381.
//
// The client hashes its message to G2 and blinds it with a random scalar r.
// Each signer multiplies the blinded point by its Shamir share. The combiner
// verifies every partial against the signer's public share, Lagrange-combines
// t of them and checks the result against the group key. Finally the client
// strips r and obtains a standard BLS signature verifiable with the group key.
package bls

import (
	"errors"
	"io"
	"sort"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/zmlAEQ/odis-domains/internal/tss/core"
	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
)

type (
	SecretShare      []byte // big-endian scalar
	PublicShare      []byte // compressed G1
	GroupPublicKey   []byte // compressed G1
	BlindedMessage   []byte // compressed G2
	BlindingFactor   []byte // big-endian scalar
	PartialSignature []byte // compressed G2
	Signature        []byte // compressed G2
)

var (
	ErrInvalidShare     = errors.New("invalid share")
	ErrNotEnoughShares  = errors.New("not enough shares")
	ErrDuplicateIndex   = errors.New("duplicate share index")
	ErrInvalidSignature = errors.New("invalid signature")
)

// IndexedPartial pairs a partial signature with its Shamir evaluation point.
type IndexedPartial struct {
	Index int
	Sig   PartialSignature
}

// Blind hashes msg to G2 and multiplies by a fresh random scalar.
func Blind(msg []byte, rnd io.Reader) (BlindedMessage, BlindingFactor, error) {
	r, err := bls381.RandomScalar(rnd)
	if err != nil {
		return nil, nil, err
	}
	h := blst.HashToG2(msg, []byte(core.DSTSig), nil)
	return BlindedMessage(h.Mult(r).ToAffine().Compress()), BlindingFactor(r.Serialize()), nil
}

// Unblind removes the blinding factor from a combined blind signature.
func Unblind(sig Signature, factor BlindingFactor) (Signature, error) {
	r, err := bls381.DecodeScalar(factor)
	if err != nil {
		return nil, err
	}
	p, err := bls381.DecodeG2(sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return Signature(bls381.MulG2(p, r.Inverse())), nil
}

// PartialSign computes sk_i·B for a blinded message B.
func PartialSign(sk SecretShare, blinded BlindedMessage) (PartialSignature, error) {
	s, err := bls381.DecodeScalar(sk)
	if err != nil {
		return nil, ErrInvalidShare
	}
	b, err := bls381.DecodeG2(blinded)
	if err != nil {
		return nil, err
	}
	return PartialSignature(bls381.MulG2(b, s)), nil
}

// VerifyShare checks a partial signature against the signer's public share.
func VerifyShare(sig PartialSignature, pk PublicShare, blinded BlindedMessage) bool {
	return pairing(sig, pk, blinded)
}

// VerifyAgg checks a combined blind signature against the group key.
func VerifyAgg(sig Signature, gpk GroupPublicKey, blinded BlindedMessage) bool {
	return pairing(sig, gpk, blinded)
}

// VerifyUnblinded checks an unblinded signature over msg as plain BLS.
func VerifyUnblinded(sig Signature, gpk GroupPublicKey, msg []byte) bool {
	ok, err := bls381.Verify(bls381.PubKey(gpk), bls381.Signature(sig), msg, []byte(core.DSTSig))
	return err == nil && ok
}

func pairing(sig, pk, base []byte) bool {
	pkAff, err := bls381.DecodeG1(pk)
	if err != nil {
		return false
	}
	sigAff, err := bls381.DecodeG2(sig)
	if err != nil {
		return false
	}
	baseAff, err := bls381.DecodeG2(base)
	if err != nil {
		return false
	}
	return bls381.PairingCheck(pkAff, sigAff, baseAff)
}

// Combine Lagrange-interpolates at zero over the t partials with the smallest
// indices. Partials must already be verified.
func Combine(partials []IndexedPartial, t int) (Signature, error) {
	if t <= 0 || len(partials) < t {
		return nil, ErrNotEnoughShares
	}
	sorted := append([]IndexedPartial(nil), partials...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	sorted = sorted[:t]

	indices := make([]int, 0, t)
	seen := make(map[int]struct{}, t)
	for _, p := range sorted {
		if p.Index <= 0 {
			return nil, ErrInvalidShare
		}
		if _, ok := seen[p.Index]; ok {
			return nil, ErrDuplicateIndex
		}
		seen[p.Index] = struct{}{}
		indices = append(indices, p.Index)
	}

	acc := new(blst.P2)
	for _, p := range sorted {
		coeff, err := bls381.LagrangeAtZero(p.Index, indices)
		if err != nil {
			return nil, err
		}
		aff, err := bls381.DecodeG2(p.Sig)
		if err != nil {
			return nil, ErrInvalidSignature
		}
		var q blst.P2
		q.FromAffine(aff)
		q.MultAssign(coeff)
		acc.AddAssign(&q)
	}
	return Signature(acc.ToAffine().Compress()), nil
}
