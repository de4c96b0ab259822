// Package bls381 is a thin wrapper over blst for the handful of BLS12-381
// operations used by the threshold signing code. Public keys live on G1,
// signatures and hashed messages on G2; all points travel compressed.
package bls381

import (
	"encoding/binary"
	"errors"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

// Encoded sizes.
const (
	G1Size     = 48
	G2Size     = 96
	ScalarSize = blst.BLST_SCALAR_BYTES
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidPoint  = errors.New("invalid point")
	ErrInvalidScalar = errors.New("invalid scalar")
)

type (
	Scalar    []byte // big-endian scalar (32 bytes)
	G1Point   []byte // compressed G1 (48 bytes)
	G2Point   []byte // compressed G2 (96 bytes)
	Signature []byte // compressed G2 (96 bytes)
	PubKey    []byte // compressed G1 (48 bytes)
)

// HashToG2 maps msg to a compressed G2 point under dst.
func HashToG2(msg, dst []byte) G2Point {
	return blst.HashToG2(msg, dst, nil).ToAffine().Compress()
}

// DecodeG1 uncompresses a public key and rejects identity or off-subgroup points.
func DecodeG1(b []byte) (*blst.P1Affine, error) {
	if len(b) != G1Size {
		return nil, ErrInvalidInput
	}
	p := new(blst.P1Affine).Uncompress(b)
	if p == nil || !p.KeyValidate() {
		return nil, ErrInvalidPoint
	}
	return p, nil
}

// DecodeG2 uncompresses a G2 point and rejects identity or off-subgroup points.
func DecodeG2(b []byte) (*blst.P2Affine, error) {
	if len(b) != G2Size {
		return nil, ErrInvalidInput
	}
	p := new(blst.P2Affine).Uncompress(b)
	if p == nil || !p.SigValidate(true) {
		return nil, ErrInvalidPoint
	}
	return p, nil
}

// DecodeScalar parses a canonical non-zero scalar.
func DecodeScalar(b []byte) (*blst.Scalar, error) {
	if len(b) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	s := new(blst.Scalar).Deserialize(b)
	if s == nil {
		return nil, ErrInvalidScalar
	}
	return s, nil
}

// RandomScalar draws a uniformly random non-zero scalar from r.
func RandomScalar(r io.Reader) (*blst.Scalar, error) {
	var ikm [32]byte
	if _, err := io.ReadFull(r, ikm[:]); err != nil {
		return nil, err
	}
	sk := blst.KeyGen(ikm[:])
	if sk == nil {
		return nil, errors.New("bad randomness")
	}
	return sk, nil
}

// ScalarFromInt encodes a small non-negative integer.
func ScalarFromInt(v int) *blst.Scalar {
	var buf [blst.BLST_SCALAR_BYTES]byte
	binary.BigEndian.PutUint64(buf[len(buf)-8:], uint64(v))
	var s blst.Scalar
	_ = s.FromBEndian(buf[:])
	return &s
}

// PublicKey returns g1^sk, compressed.
func PublicKey(sk *blst.Scalar) PubKey {
	return blst.P1Generator().Mult(sk).ToAffine().Compress()
}

// MulG2 returns p·s, compressed.
func MulG2(p *blst.P2Affine, s *blst.Scalar) G2Point {
	var q blst.P2
	q.FromAffine(p)
	return q.Mult(s).ToAffine().Compress()
}

// PairingCheck reports whether e(g1, sig) == e(pk, base), i.e. sig = sk·base
// for the secret behind pk.
func PairingCheck(pk *blst.P1Affine, sig, base *blst.P2Affine) bool {
	g1 := blst.P1Generator().ToAffine()
	lhs := blst.Fp12MillerLoop(sig, g1)
	lhs.FinalExp()
	rhs := blst.Fp12MillerLoop(base, pk)
	rhs.FinalExp()
	return lhs.Equals(rhs)
}

// Verify checks a standard BLS signature over msg.
func Verify(pk PubKey, sig Signature, msg, dst []byte) (bool, error) {
	pkAff, err := DecodeG1(pk)
	if err != nil {
		return false, err
	}
	sigAff, err := DecodeG2(sig)
	if err != nil {
		return false, err
	}
	return sigAff.Verify(false, pkAff, false, msg, dst), nil
}

// LagrangeAtZero computes λ_i(0) over the evaluation points in indices.
func LagrangeAtZero(i int, indices []int) (*blst.Scalar, error) {
	if i <= 0 || len(indices) == 0 {
		return nil, ErrInvalidInput
	}
	xi := ScalarFromInt(i)
	num := ScalarFromInt(1)
	den := ScalarFromInt(1)
	zero := ScalarFromInt(0)
	for _, j := range indices {
		if j == i {
			continue
		}
		if j <= 0 {
			return nil, ErrInvalidInput
		}
		xj := ScalarFromInt(j)
		neg, ok := zero.Sub(xj)
		if !ok {
			return nil, ErrInvalidScalar
		}
		num, ok = num.Mul(neg)
		if !ok {
			return nil, ErrInvalidScalar
		}
		diff, ok := xi.Sub(xj)
		if !ok {
			return nil, ErrInvalidScalar
		}
		den, ok = den.Mul(diff)
		if !ok {
			return nil, ErrInvalidScalar
		}
	}
	out, ok := num.Mul(den.Inverse())
	if !ok {
		return nil, ErrInvalidScalar
	}
	return out, nil
}
