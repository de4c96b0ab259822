package keys

import (
	"bytes"
	"errors"
	"io"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
)

var (
	ErrInvalidParams = errors.New("invalid params")
	ErrInvalidShare  = errors.New("invalid share")
)

// KeyShare is one signer's material for one key version.
type KeyShare struct {
	Version        int      `json:"version"`
	Index          int      `json:"index"`
	Threshold      int      `json:"threshold"`
	Total          int      `json:"total"`
	Secret         []byte   `json:"secret"`
	PublicShare    []byte   `json:"public_share"`
	GroupPublicKey []byte   `json:"group_public_key"`
	Commitments    [][]byte `json:"commitments"`
}

// Dealing is the output of a trusted-dealer split.
type Dealing struct {
	Version        int
	Threshold      int
	GroupPublicKey []byte
	Commitments    [][]byte
	Shares         []KeyShare // Shares[i].Index == i+1
}

// PublicShares returns the per-index public shares, ordered by index.
func (d *Dealing) PublicShares() [][]byte {
	out := make([][]byte, len(d.Shares))
	for i, s := range d.Shares {
		out[i] = s.PublicShare
	}
	return out
}

// Deal splits a fresh random secret into n Shamir shares with threshold t
// and Feldman commitments to the polynomial. For tests and local setups.
func Deal(rnd io.Reader, version, n, t int) (*Dealing, error) {
	if n <= 0 || t <= 0 || t > n || version < 0 {
		return nil, ErrInvalidParams
	}
	coeffs := make([]*blst.Scalar, 0, t)
	for j := 0; j < t; j++ {
		s, err := bls381.RandomScalar(rnd)
		if err != nil {
			return nil, err
		}
		coeffs = append(coeffs, s)
	}
	com, err := commitmentsFromPoly(coeffs)
	if err != nil {
		return nil, err
	}
	d := &Dealing{Version: version, Threshold: t, GroupPublicKey: com[0], Commitments: com}
	for i := 1; i <= n; i++ {
		si, err := evalPolyAt(coeffs, i)
		if err != nil {
			return nil, err
		}
		d.Shares = append(d.Shares, KeyShare{
			Version:        version,
			Index:          i,
			Threshold:      t,
			Total:          n,
			Secret:         si.Serialize(),
			PublicShare:    bls381.PublicKey(si),
			GroupPublicKey: com[0],
			Commitments:    com,
		})
	}
	return d, nil
}

// Validate checks the share against its Feldman commitments and its
// advertised public share.
func (k KeyShare) Validate() error {
	if k.Index <= 0 || k.Threshold <= 0 || k.Threshold > k.Total || len(k.Commitments) != k.Threshold {
		return ErrInvalidParams
	}
	s, err := bls381.DecodeScalar(k.Secret)
	if err != nil {
		return ErrInvalidShare
	}
	if !bytes.Equal(bls381.PublicKey(s), k.PublicShare) {
		return ErrInvalidShare
	}
	if !bytes.Equal(k.Commitments[0], k.GroupPublicKey) {
		return ErrInvalidShare
	}
	ok, err := verifyFeldmanShare(s, k.Index, k.Commitments)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidShare
	}
	return nil
}

func evalPolyAt(coeffs []*blst.Scalar, x int) (*blst.Scalar, error) {
	if len(coeffs) == 0 || x <= 0 {
		return nil, ErrInvalidParams
	}
	xs := bls381.ScalarFromInt(x)
	acc := bls381.ScalarFromInt(0)
	pow := bls381.ScalarFromInt(1)
	for _, c := range coeffs {
		term, ok := c.Mul(pow)
		if !ok {
			return nil, ErrInvalidShare
		}
		if _, ok := acc.AddAssign(term); !ok {
			return nil, ErrInvalidShare
		}
		nxt, ok := pow.Mul(xs)
		if !ok {
			return nil, ErrInvalidShare
		}
		pow = nxt
	}
	return acc, nil
}

// commitmentsFromPoly returns C_j = g1^{a_j}, compressed.
func commitmentsFromPoly(coeffs []*blst.Scalar) ([][]byte, error) {
	if len(coeffs) == 0 {
		return nil, ErrInvalidParams
	}
	out := make([][]byte, 0, len(coeffs))
	for _, c := range coeffs {
		out = append(out, bls381.PublicKey(c))
	}
	return out, nil
}

func verifyFeldmanShare(share *blst.Scalar, x int, commitments [][]byte) (bool, error) {
	if share == nil || x <= 0 || len(commitments) == 0 {
		return false, ErrInvalidParams
	}
	lhs := bls381.PublicKey(share)
	// rhs = Σ C_j * x^j
	xs := bls381.ScalarFromInt(x)
	pow := bls381.ScalarFromInt(1)
	acc := new(blst.P1)
	for _, cBytes := range commitments {
		var aff blst.P1Affine
		if aff.Uncompress(cBytes) == nil {
			return false, bls381.ErrInvalidPoint
		}
		var p blst.P1
		p.FromAffine(&aff)
		p.MultAssign(pow)
		acc.AddAssign(&p)
		nxt, ok := pow.Mul(xs)
		if !ok {
			return false, ErrInvalidShare
		}
		pow = nxt
	}
	return bytes.Equal(lhs, acc.ToAffine().Compress()), nil
}
