package bls381

import (
	"bytes"
	"crypto/rand"
	"testing"

	blst "github.com/supranational/blst/bindings/go"
)

var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

func TestVerify_SignRoundtrip(t *testing.T) {
	sk := blst.KeyGen([]byte("ikm-32-bytes-minimum-length-012345"))
	pk := PublicKey(sk)
	msg := []byte("hello")
	sig := new(blst.P2Affine).Sign(sk, msg, dst).Compress()

	ok, err := Verify(pk, sig, msg, dst)
	if err != nil || !ok {
		t.Fatalf("verify err=%v ok=%v", err, ok)
	}
	if ok, _ := Verify(pk, sig, []byte("other"), dst); ok {
		t.Fatalf("verify accepted wrong message")
	}
}

func TestPairingCheck_MatchesScalarMul(t *testing.T) {
	sk, err := RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("rand: %v", err)
	}
	pk, err := DecodeG1(PublicKey(sk))
	if err != nil {
		t.Fatalf("pk: %v", err)
	}
	base, err := DecodeG2(HashToG2([]byte("m"), dst))
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	sig, err := DecodeG2(MulG2(base, sk))
	if err != nil {
		t.Fatalf("sig: %v", err)
	}
	if !PairingCheck(pk, sig, base) {
		t.Fatalf("pairing check failed for sk·base")
	}
	other, _ := DecodeG2(HashToG2([]byte("m2"), dst))
	if PairingCheck(pk, sig, other) {
		t.Fatalf("pairing check accepted mismatched base")
	}
}

func TestDecode_Rejects(t *testing.T) {
	if _, err := DecodeG1(make([]byte, 47)); err == nil {
		t.Fatalf("short G1 accepted")
	}
	if _, err := DecodeG2(bytes.Repeat([]byte{0xff}, G2Size)); err == nil {
		t.Fatalf("garbage G2 accepted")
	}
	// compressed point at infinity
	inf := make([]byte, G2Size)
	inf[0] = 0xc0
	if _, err := DecodeG2(inf); err == nil {
		t.Fatalf("identity accepted")
	}
	if _, err := DecodeScalar([]byte{1}); err == nil {
		t.Fatalf("short scalar accepted")
	}
}

func TestLagrangeAtZero_SumsToOne(t *testing.T) {
	indices := []int{1, 3, 4}
	acc := ScalarFromInt(0)
	for _, i := range indices {
		l, err := LagrangeAtZero(i, indices)
		if err != nil {
			t.Fatalf("lagrange: %v", err)
		}
		acc, _ = acc.Add(l)
	}
	if !bytes.Equal(acc.Serialize(), ScalarFromInt(1).Serialize()) {
		t.Fatalf("coefficients do not sum to 1")
	}
	if _, err := LagrangeAtZero(0, indices); err == nil {
		t.Fatalf("index 0 accepted")
	}
}

func BenchmarkPairingCheck(b *testing.B) {
	sk := blst.KeyGen([]byte("ikm-abcdefghijklmnopqrstuvwxyz012345"))
	pk, _ := DecodeG1(PublicKey(sk))
	base, _ := DecodeG2(HashToG2([]byte("bench-msg"), dst))
	sig, _ := DecodeG2(MulG2(base, sk))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = PairingCheck(pk, sig, base)
	}
}
