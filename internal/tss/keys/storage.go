package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/zmlAEQ/odis-domains/internal/tss/core"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// KeyStore persists one file per key version under a directory. Writes are
// atomic (tmp+fsync+rename) and keep the previous file as .bak; reads fall
// back to .bak on corruption. Payloads are optionally sealed with
// AES-256-GCM under a key derived by HKDF-SHA256.
type KeyStore struct {
	mu      sync.Mutex
	dir     string
	aead    cipher.AEAD
	zeroize bool
}

var ErrNotFound = errors.New("not found")

// NewKeyStore stores plaintext shares under dir.
func NewKeyStore(dir string) *KeyStore { return &KeyStore{dir: dir} }

// NewKeyStoreEncrypted derives the AEAD key from secret (at least 16 bytes)
// and wipes secret afterwards.
func NewKeyStoreEncrypted(dir string, secret []byte, zeroize bool) (*KeyStore, error) {
	defer zero(secret)
	if len(secret) < 16 {
		return nil, fmt.Errorf("keystore secret too short: %d bytes", len(secret))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(core.DSTKeyStore)), key); err != nil {
		return nil, err
	}
	a, err := newAESGCM(key)
	zero(key)
	if err != nil {
		return nil, err
	}
	return &KeyStore{dir: dir, aead: a, zeroize: zeroize}, nil
}

// NewKeyStoreFromEnv enables encryption when ODIS_KEYSTORE_KEY (hex) or
// ODIS_KEYSTORE_KEY_FILE is set. ODIS_KEYSTORE_ZEROIZE=1 wipes plaintext buffers.
func NewKeyStoreFromEnv(dir string) (*KeyStore, error) {
	var secret []byte
	if hexStr := os.Getenv("ODIS_KEYSTORE_KEY"); hexStr != "" {
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("ODIS_KEYSTORE_KEY: %w", err)
		}
		secret = b
	} else if f := os.Getenv("ODIS_KEYSTORE_KEY_FILE"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		secret = b
	}
	if secret == nil {
		return NewKeyStore(dir), nil
	}
	return NewKeyStoreEncrypted(dir, secret, os.Getenv("ODIS_KEYSTORE_ZEROIZE") == "1")
}

const (
	magicShare  uint32 = 0x4f444b53 // 'ODKS'
	fileVersion uint16 = 1
	flagEncrypt uint16 = 1 << 0
	headerLen          = 4 + 2 + 2 + 4 + 4
)

// On disk:
// [magic u32][version u16][flags u16][length u32][crc32 u32][payload ...]
// payload is the JSON KeyShare, or nonce(12B)||ciphertext when encrypted.

var shareFile = regexp.MustCompile(`^share-v(\d+)\.dat$`)

func (s *KeyStore) path(version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("share-v%d.dat", version))
}

func (s *KeyStore) writeAtomic(path string, ks KeyShare) error {
	payload, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	flags := uint16(0)
	body := payload
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			zero(payload)
			return err
		}
		body = s.aead.Seal(nonce, nonce, payload, nil)
		flags |= flagEncrypt
		if s.zeroize {
			zero(payload)
		}
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:], magicShare)
	binary.BigEndian.PutUint16(hdr[4:], fileVersion)
	binary.BigEndian.PutUint16(hdr[6:], flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(body))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err = f.Write(body); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".bak")
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

func (s *KeyStore) readFile(path string) (KeyShare, error) {
	f, err := os.Open(path)
	if err != nil {
		return KeyShare{}, err
	}
	defer f.Close()
	var hdr [headerLen]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil {
		return KeyShare{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:]) != magicShare {
		return KeyShare{}, errors.New("bad magic")
	}
	flags := binary.BigEndian.Uint16(hdr[6:])
	length := binary.BigEndian.Uint32(hdr[8:])
	want := binary.BigEndian.Uint32(hdr[12:])
	if length == 0 || length > 1<<20 {
		return KeyShare{}, errors.New("bad length")
	}
	body := make([]byte, int(length))
	if _, err = io.ReadFull(f, body); err != nil {
		return KeyShare{}, err
	}
	if crc32.ChecksumIEEE(body) != want {
		return KeyShare{}, errors.New("crc mismatch")
	}

	plain := body
	if flags&flagEncrypt != 0 {
		if s.aead == nil {
			return KeyShare{}, errors.New("encrypted but no key")
		}
		ns := s.aead.NonceSize()
		if len(body) < ns {
			return KeyShare{}, errors.New("bad nonce")
		}
		plain, err = s.aead.Open(nil, body[:ns], body[ns:], nil)
		if err != nil {
			return KeyShare{}, err
		}
	}

	var ks KeyShare
	err = json.Unmarshal(plain, &ks)
	if s.zeroize {
		zero(plain)
	}
	return ks, err
}

// Save persists ks under its version.
func (s *KeyStore) Save(_ context.Context, ks KeyShare) error {
	begin := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	if err := s.writeAtomic(s.path(ks.Version), ks); err != nil {
		metrics.Inc("keystore_persist_errors_total", nil)
		logger.ErrorJ("keystore", map[string]any{"op": "persist", "result": "error", "version": ks.Version, "err": err.Error()})
		return err
	}
	ms := float64(time.Since(begin).Milliseconds())
	metrics.ObserveSummary("keystore_persist_ms", nil, ms)
	logger.InfoJ("keystore", map[string]any{"op": "persist", "result": "ok", "version": ks.Version, "latency_ms": ms})
	return nil
}

// Load reads the share for version, falling back to .bak.
func (s *KeyStore) Load(_ context.Context, version int) (KeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(version)
	if ks, err := s.readFile(p); err == nil {
		metrics.Inc("keystore_recovery_total", map[string]string{"result": "ok"})
		return ks, nil
	}
	if ks, err := s.readFile(p + ".bak"); err == nil {
		metrics.Inc("keystore_recovery_total", map[string]string{"result": "fallback"})
		logger.WarnJ("keystore", map[string]any{"op": "recovery", "result": "fallback", "version": version})
		return ks, nil
	}
	metrics.Inc("keystore_recovery_total", map[string]string{"result": "miss"})
	logger.InfoJ("keystore", map[string]any{"op": "recovery", "result": "miss", "version": version})
	return KeyShare{}, ErrNotFound
}

// Versions lists stored key versions in ascending order.
func (s *KeyStore) Versions() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		m := shareFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// zero wipes b in place (best effort).
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
