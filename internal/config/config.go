// Package config loads signer and combiner settings from a YAML file,
// an optional .env file and ODIS_* environment variables, in that order.
// Command-line flags are applied last by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zmlAEQ/odis-domains/internal/combiner"
	"github.com/zmlAEQ/odis-domains/internal/signer"
	"github.com/zmlAEQ/odis-domains/internal/store"
	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/internal/tss/core/bls381"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

type Logging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func (l Logging) Options(service string) logger.Options {
	return logger.Options{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Service:    service,
	}
}

type Admission struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Keys struct {
	Dir           string `yaml:"dir"`
	LatestVersion int    `yaml:"latest_version"`
	CacheSize     int    `yaml:"cache_size"`
}

// Signer configures one signer node.
type Signer struct {
	ID               string       `yaml:"id"`
	API              string       `yaml:"api"`
	Monitoring       string       `yaml:"monitoring"`
	Enabled          bool         `yaml:"enabled"`
	RequireSessionID bool         `yaml:"require_session_id"`
	MaxInflight      int64        `yaml:"max_inflight"`
	Admission        Admission    `yaml:"admission"`
	Store            store.Config `yaml:"store"`
	Keys             Keys         `yaml:"keys"`
	Logging          Logging      `yaml:"logging"`
}

func DefaultSigner() Signer {
	return Signer{
		ID:          "signer-1",
		API:         "127.0.0.1:4700",
		Monitoring:  "127.0.0.1:4720",
		Enabled:     true,
		MaxInflight: 256,
		Store:       store.Config{Backend: store.BackendMemory},
		Keys:        Keys{Dir: "keys", LatestVersion: 1, CacheSize: 8},
		Logging:     Logging{Level: "info"},
	}
}

func (s Signer) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("signer id required")
	}
	if s.API == "" {
		return errors.New("api address required")
	}
	switch s.Store.Backend {
	case store.BackendMemory, "":
	case store.BackendRedis:
		if s.Store.RedisAddr == "" {
			return errors.New("store.redis_addr required for the redis backend")
		}
	case store.BackendPostgres:
		if s.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", s.Store.Backend)
	}
	if s.Keys.Dir == "" {
		return errors.New("keys.dir required")
	}
	if s.Keys.LatestVersion < 1 {
		return fmt.Errorf("keys.latest_version must be >= 1, got %d", s.Keys.LatestVersion)
	}
	if s.Admission.RPS < 0 || s.Admission.Burst < 0 {
		return errors.New("admission rps and burst must not be negative")
	}
	return nil
}

func (s Signer) Service() signer.Config {
	return signer.Config{SignerID: s.ID, Enabled: s.Enabled, RequireSessionID: s.RequireSessionID, MaxInflight: s.MaxInflight}
}

func (s Signer) AdmissionLimits() signer.Admission {
	return signer.Admission{RPS: s.Admission.RPS, Burst: s.Admission.Burst}
}

// SignerEndpoint describes a signer as seen by the combiner. Keys are
// 0x-prefixed hex of compressed G1 points.
type SignerEndpoint struct {
	ID              string         `yaml:"id"`
	URL             string         `yaml:"url"`
	FallbackURL     string         `yaml:"fallback_url"`
	Index           int            `yaml:"index"`
	PublicKeyShares map[int]string `yaml:"public_key_shares"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Report struct {
	WebhookURL string `yaml:"webhook_url"`
	Kafka      Kafka  `yaml:"kafka"`
}

// Combiner configures the combiner service.
type Combiner struct {
	API              string           `yaml:"api"`
	Monitoring       string           `yaml:"monitoring"`
	Enabled          bool             `yaml:"enabled"`
	RequireSessionID bool             `yaml:"require_session_id"`
	Threshold        int              `yaml:"threshold"`
	KeyVersion       int              `yaml:"key_version"`
	SignerTimeout    time.Duration    `yaml:"signer_timeout"`
	RequestTimeout   time.Duration    `yaml:"request_timeout"`
	GroupPublicKeys  map[int]string   `yaml:"group_public_keys"`
	Signers          []SignerEndpoint `yaml:"signers"`
	Report           Report           `yaml:"report"`
	Logging          Logging          `yaml:"logging"`
}

func DefaultCombiner() Combiner {
	return Combiner{
		API:            "127.0.0.1:4600",
		Monitoring:     "127.0.0.1:4620",
		Enabled:        true,
		KeyVersion:     1,
		SignerTimeout:  3 * time.Second,
		RequestTimeout: 5 * time.Second,
		Logging:        Logging{Level: "info"},
	}
}

func (c Combiner) Validate() error {
	if c.API == "" {
		return errors.New("api address required")
	}
	if len(c.Signers) == 0 {
		return errors.New("at least one signer required")
	}
	if c.Threshold < 1 || c.Threshold > len(c.Signers) {
		return fmt.Errorf("threshold %d out of range for %d signers", c.Threshold, len(c.Signers))
	}
	if c.SignerTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	_, err := c.Build()
	return err
}

// Build decodes the key material into a combiner configuration.
func (c Combiner) Build() (combiner.Config, error) {
	out := combiner.Config{
		Threshold:        c.Threshold,
		KeyVersion:       c.KeyVersion,
		SignerTimeout:    c.SignerTimeout,
		RequestTimeout:   c.RequestTimeout,
		Enabled:          c.Enabled,
		RequireSessionID: c.RequireSessionID,
		GroupPublicKeys:  map[int]bls.GroupPublicKey{},
	}
	for v, s := range c.GroupPublicKeys {
		b, err := decodeG1(s)
		if err != nil {
			return combiner.Config{}, fmt.Errorf("group_public_keys[%d]: %w", v, err)
		}
		out.GroupPublicKeys[v] = b
	}
	for _, e := range c.Signers {
		sg := combiner.Signer{ID: e.ID, URL: e.URL, FallbackURL: e.FallbackURL, Index: e.Index, PublicShares: map[int]bls.PublicShare{}}
		for v, s := range e.PublicKeyShares {
			b, err := decodeG1(s)
			if err != nil {
				return combiner.Config{}, fmt.Errorf("signer %s public_key_shares[%d]: %w", e.ID, v, err)
			}
			sg.PublicShares[v] = b
		}
		out.Signers = append(out.Signers, sg)
	}
	if err := out.Validate(); err != nil {
		return combiner.Config{}, err
	}
	return out, nil
}

func decodeG1(s string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if _, err := bls381.DecodeG1(b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadSigner reads path (optional) and applies environment overrides.
func LoadSigner(path string) (Signer, error) {
	cfg := DefaultSigner()
	if err := readYAML(path, &cfg); err != nil {
		return Signer{}, err
	}
	_ = godotenv.Load()
	e := env{}
	e.str("ODIS_SIGNER_ID", &cfg.ID)
	e.str("ODIS_API_ADDR", &cfg.API)
	e.str("ODIS_MONITORING_ADDR", &cfg.Monitoring)
	e.boolean("ODIS_ENABLED", &cfg.Enabled)
	e.boolean("ODIS_REQUIRE_SESSION_ID", &cfg.RequireSessionID)
	e.int64("ODIS_MAX_INFLIGHT", &cfg.MaxInflight)
	e.str("ODIS_STORE_BACKEND", &cfg.Store.Backend)
	e.str("ODIS_WAL", &cfg.Store.WALPath)
	e.str("ODIS_REDIS_ADDR", &cfg.Store.RedisAddr)
	e.str("ODIS_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	e.integer("ODIS_REDIS_DB", &cfg.Store.RedisDB)
	e.str("ODIS_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	e.str("ODIS_KEY_DIR", &cfg.Keys.Dir)
	e.integer("ODIS_KEY_VERSION", &cfg.Keys.LatestVersion)
	e.str("ODIS_LOG_LEVEL", &cfg.Logging.Level)
	e.str("ODIS_LOG_FILE", &cfg.Logging.File)
	if e.err != nil {
		return Signer{}, e.err
	}
	return cfg, nil
}

// LoadCombiner reads path (optional) and applies environment overrides.
func LoadCombiner(path string) (Combiner, error) {
	cfg := DefaultCombiner()
	if err := readYAML(path, &cfg); err != nil {
		return Combiner{}, err
	}
	_ = godotenv.Load()
	e := env{}
	e.str("ODIS_API_ADDR", &cfg.API)
	e.str("ODIS_MONITORING_ADDR", &cfg.Monitoring)
	e.boolean("ODIS_ENABLED", &cfg.Enabled)
	e.boolean("ODIS_REQUIRE_SESSION_ID", &cfg.RequireSessionID)
	e.integer("ODIS_THRESHOLD", &cfg.Threshold)
	e.integer("ODIS_KEY_VERSION", &cfg.KeyVersion)
	e.duration("ODIS_SIGNER_TIMEOUT", &cfg.SignerTimeout)
	e.duration("ODIS_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	e.str("ODIS_REPORT_WEBHOOK", &cfg.Report.WebhookURL)
	e.list("ODIS_REPORT_KAFKA_BROKERS", &cfg.Report.Kafka.Brokers)
	e.str("ODIS_REPORT_KAFKA_TOPIC", &cfg.Report.Kafka.Topic)
	e.str("ODIS_LOG_LEVEL", &cfg.Logging.Level)
	e.str("ODIS_LOG_FILE", &cfg.Logging.File)
	if e.err != nil {
		return Combiner{}, e.err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// env applies non-empty variables and keeps the first parse error.
type env struct{ err error }

func (e *env) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *env) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *env) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *env) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *env) int64(key string, dst *int64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *env) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
