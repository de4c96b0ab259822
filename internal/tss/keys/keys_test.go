package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
)

func mustDeal(t *testing.T, n, thr int) *Dealing {
	t.Helper()
	d, err := Deal(rand.Reader, 1, n, thr)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	return d
}

func TestDeal_ReconstructsGroupKey(t *testing.T) {
	d := mustDeal(t, 4, 3)
	if len(d.GroupPublicKey) != bls381.G1Size || len(d.Shares) != 4 {
		t.Fatalf("shape: gpk=%d shares=%d", len(d.GroupPublicKey), len(d.Shares))
	}
	for _, subset := range [][]int{{1, 2, 3}, {2, 3, 4}, {1, 3, 4}} {
		acc := bls381.ScalarFromInt(0)
		for _, i := range subset {
			l, err := bls381.LagrangeAtZero(i, subset)
			if err != nil {
				t.Fatalf("lagrange: %v", err)
			}
			s, err := bls381.DecodeScalar(d.Shares[i-1].Secret)
			if err != nil {
				t.Fatalf("share %d: %v", i, err)
			}
			term, _ := s.Mul(l)
			acc, _ = acc.Add(term)
		}
		if got := blst.P1Generator().Mult(acc).ToAffine().Compress(); !bytes.Equal(got, d.GroupPublicKey) {
			t.Fatalf("subset %v does not reconstruct the group key", subset)
		}
	}
}

func TestDeal_RejectsBadParams(t *testing.T) {
	for _, c := range [][2]int{{0, 1}, {3, 0}, {2, 3}} {
		if _, err := Deal(rand.Reader, 1, c[0], c[1]); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("n=%d t=%d: %v", c[0], c[1], err)
		}
	}
}

func TestKeyShare_Validate(t *testing.T) {
	d := mustDeal(t, 3, 2)
	for _, s := range d.Shares {
		if err := s.Validate(); err != nil {
			t.Fatalf("share %d: %v", s.Index, err)
		}
	}
	bad := d.Shares[0]
	bad.Index = 2
	if err := bad.Validate(); err == nil {
		t.Fatalf("share with wrong index validated")
	}
	swapped := d.Shares[0]
	swapped.Secret = d.Shares[1].Secret
	if err := swapped.Validate(); err == nil {
		t.Fatalf("share with foreign secret validated")
	}
}

func TestKeyStore_SaveLoad_OK(t *testing.T) {
	d := mustDeal(t, 2, 2)
	s := NewKeyStore(t.TempDir())
	want := d.Shares[1]
	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(context.Background(), want.Version)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Index != want.Index || !bytes.Equal(got.Secret, want.Secret) || len(got.Commitments) != len(want.Commitments) {
		t.Fatalf("mismatch: got=%+v", got)
	}
}

func TestKeyStore_Load_FallbackOnCorruption(t *testing.T) {
	dir := t.TempDir()
	s := NewKeyStore(dir)
	if err := s.Save(context.Background(), KeyShare{Version: 3, Index: 1}); err != nil {
		t.Fatalf("save1: %v", err)
	}
	if err := s.Save(context.Background(), KeyShare{Version: 3, Index: 2}); err != nil {
		t.Fatalf("save2: %v", err)
	}
	if err := os.Truncate(filepath.Join(dir, "share-v3.dat"), 8); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := s.Load(context.Background(), 3)
	if err != nil {
		t.Fatalf("load after corrupt: %v", err)
	}
	if got.Index != 1 {
		t.Fatalf("fallback mismatch: got=%+v want Index=1", got)
	}
}

func TestKeyStore_NotFound(t *testing.T) {
	s := NewKeyStore(t.TempDir())
	if _, err := s.Load(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestKeyStore_EncryptRoundtrip(t *testing.T) {
	dir := t.TempDir()
	secret := bytes.Repeat([]byte{0xAB}, 32)
	ks, err := NewKeyStoreEncrypted(dir, secret, true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, b := range secret {
		if b != 0 {
			t.Fatalf("secret not wiped")
		}
	}
	want := KeyShare{Version: 1, Index: 7, Secret: []byte{4, 5}}
	if err := ks.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "share-v1.dat"))
	if bytes.Contains(raw, []byte(`"index"`)) {
		t.Fatalf("payload stored in plaintext")
	}
	got, err := ks.Load(context.Background(), 1)
	if err != nil || got.Index != 7 {
		t.Fatalf("load: %v %+v", err, got)
	}
	if _, err := NewKeyStore(dir).Load(context.Background(), 1); err == nil {
		t.Fatalf("plaintext store read an encrypted file")
	}
	other, _ := NewKeyStoreEncrypted(dir, bytes.Repeat([]byte{0xCD}, 32), false)
	if _, err := other.Load(context.Background(), 1); err == nil {
		t.Fatalf("wrong key decrypted the share")
	}
}

func TestKeyStore_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ODIS_KEYSTORE_KEY", hex.EncodeToString(bytes.Repeat([]byte{0xEF}, 32)))
	t.Setenv("ODIS_KEYSTORE_ZEROIZE", "1")
	ks, err := NewKeyStoreFromEnv(dir)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if ks.aead == nil {
		t.Fatalf("encryption not enabled")
	}
	if err := ks.Save(context.Background(), KeyShare{Version: 2, Index: 9}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := ks.Save(context.Background(), KeyShare{Version: 5, Index: 9}); err != nil {
		t.Fatalf("save: %v", err)
	}
	vs, err := ks.Versions()
	if err != nil || len(vs) != 2 || vs[0] != 2 || vs[1] != 5 {
		t.Fatalf("versions: %v %v", vs, err)
	}
	t.Setenv("ODIS_KEYSTORE_KEY", "zz")
	if _, err := NewKeyStoreFromEnv(dir); err == nil {
		t.Fatalf("bad hex accepted")
	}
}

type countingSource struct {
	Static
	loads int
}

func (c *countingSource) Load(ctx context.Context, v int) (KeyShare, error) {
	c.loads++
	return c.Static.Load(ctx, v)
}

func TestProvider_CachesAndValidates(t *testing.T) {
	d := mustDeal(t, 3, 2)
	corrupt := d.Shares[0]
	corrupt.Version = 2
	corrupt.Secret = d.Shares[2].Secret
	src := &countingSource{Static: Static{1: d.Shares[0], 2: corrupt}}
	p, err := NewProvider(src, 1, 4)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p.LatestVersion() != 1 {
		t.Fatalf("latest=%d", p.LatestVersion())
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Share(context.Background(), 1); err != nil {
			t.Fatalf("share: %v", err)
		}
	}
	if src.loads != 1 {
		t.Fatalf("source hit %d times, want 1", src.loads)
	}
	if _, err := p.Share(context.Background(), 2); !errors.Is(err, ErrKeyFetch) {
		t.Fatalf("corrupt share: %v", err)
	}
	if _, err := p.Share(context.Background(), 9); !errors.Is(err, ErrKeyFetch) {
		t.Fatalf("missing version: %v", err)
	}
}
