package main

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/zmlAEQ/odis-domains/internal/config"
	"github.com/zmlAEQ/odis-domains/internal/tss/keys"
)

func TestRun_WritesLoadableMaterial(t *testing.T) {
	out := t.TempDir()
	if err := run(context.Background(), rand.Reader, 3, 2, 1, out, "http://signer:%d"); err != nil {
		t.Fatalf("run: %v", err)
	}
	cc, err := config.LoadCombiner(filepath.Join(out, "combiner.yaml"))
	if err != nil {
		t.Fatalf("load combiner: %v", err)
	}
	if err := cc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cc.Signers[0].URL != "http://signer:4701" {
		t.Fatalf("url: %s", cc.Signers[0].URL)
	}
	for i := 1; i <= 3; i++ {
		ks, err := keys.NewKeyStore(filepath.Join(out, "signer-"+string(rune('0'+i)))).Load(context.Background(), 1)
		if err != nil {
			t.Fatalf("load share %d: %v", i, err)
		}
		if err := ks.Validate(); err != nil {
			t.Fatalf("share %d invalid: %v", i, err)
		}
	}
}
