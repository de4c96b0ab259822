package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/zmlAEQ/odis-domains/internal/config"
	"github.com/zmlAEQ/odis-domains/internal/tss/keys"
)

func main() {
	var (
		n       int
		t       int
		out     string
		version int
		urlTmpl string
	)
	flag.IntVar(&n, "n", 4, "Total signers")
	flag.IntVar(&t, "t", 3, "Threshold (t-of-n)")
	flag.StringVar(&out, "out", "odis-keys", "Output directory")
	flag.IntVar(&version, "key-version", 1, "Key version to generate")
	flag.StringVar(&urlTmpl, "url", "http://127.0.0.1:%d", "Signer URL template; %d is replaced with 4700+index")
	flag.Parse()

	if n <= 0 || t <= 0 || t > n || version < 1 {
		fmt.Fprintln(os.Stderr, "invalid n/t/key-version")
		os.Exit(2)
	}
	if err := run(context.Background(), rand.Reader, n, t, version, out, urlTmpl); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Printf("wrote %d key stores and combiner.yaml to %s\n", n, out)
}

// run deals a fresh key and writes signer-<i>/share-v<version>.dat for every
// signer plus the public combiner fragment. Key stores are encrypted when
// ODIS_KEYSTORE_KEY or ODIS_KEYSTORE_KEY_FILE is set.
func run(ctx context.Context, rnd io.Reader, n, t, version int, out, urlTmpl string) error {
	d, err := keys.Deal(rnd, version, n, t)
	if err != nil {
		return err
	}
	cc := config.DefaultCombiner()
	cc.Threshold = t
	cc.KeyVersion = version
	cc.GroupPublicKeys = map[int]string{version: hexutil.Encode(d.GroupPublicKey)}
	for _, ks := range d.Shares {
		dir := filepath.Join(out, fmt.Sprintf("signer-%d", ks.Index))
		st, err := keys.NewKeyStoreFromEnv(dir)
		if err != nil {
			return err
		}
		if err := st.Save(ctx, ks); err != nil {
			return fmt.Errorf("signer %d: %w", ks.Index, err)
		}
		cc.Signers = append(cc.Signers, config.SignerEndpoint{
			ID:              fmt.Sprintf("signer-%d", ks.Index),
			URL:             fmt.Sprintf(urlTmpl, 4700+ks.Index),
			Index:           ks.Index,
			PublicKeyShares: map[int]string{version: hexutil.Encode(ks.PublicShare)},
		})
	}
	b, err := yaml.Marshal(cc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "combiner.yaml"), b, 0o600)
}
