// Package combiner fans each domain request out to every signer, verifies
// their answers and reduces them to one response: a combined threshold
// signature, a threshold view of the domain state or a disable quorum.
package combiner

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zmlAEQ/odis-domains/internal/tss/bls"
	"github.com/zmlAEQ/odis-domains/pkg/bus"
)

// Signer is one remote signer node.
type Signer struct {
	ID          string
	URL         string
	FallbackURL string
	// Index is the signer's Shamir evaluation point.
	Index int
	// PublicShares holds the signer's public key share per key version.
	PublicShares map[int]bls.PublicShare
}

type Config struct {
	Threshold       int
	Signers         []Signer
	GroupPublicKeys map[int]bls.GroupPublicKey
	// KeyVersion is used when a request names none.
	KeyVersion       int
	SignerTimeout    time.Duration
	RequestTimeout   time.Duration
	Enabled          bool
	RequireSessionID bool
}

func (c Config) Validate() error {
	if c.Threshold < 1 || c.Threshold > len(c.Signers) {
		return fmt.Errorf("threshold %d out of range for %d signers", c.Threshold, len(c.Signers))
	}
	if _, ok := c.GroupPublicKeys[c.KeyVersion]; !ok {
		return fmt.Errorf("no group public key for key version %d", c.KeyVersion)
	}
	ids := map[string]bool{}
	idx := map[int]bool{}
	for _, s := range c.Signers {
		if s.ID == "" || s.URL == "" {
			return errors.New("signer id and url are required")
		}
		if ids[s.ID] || idx[s.Index] || s.Index < 1 {
			return fmt.Errorf("signer %s: duplicate id or bad index %d", s.ID, s.Index)
		}
		ids[s.ID], idx[s.Index] = true, true
		if _, ok := s.PublicShares[c.KeyVersion]; !ok {
			return fmt.Errorf("signer %s: no public share for key version %d", s.ID, c.KeyVersion)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SignerTimeout <= 0 {
		c.SignerTimeout = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// Combiner is stateless across requests.
type Combiner struct {
	cfg    Config
	client *SignerClient
	bus    *bus.Bus
	now    func() float64
}

type Option func(*Combiner)

// WithBus publishes discrepancy and threshold-failure events on b.
func WithBus(b *bus.Bus) Option { return func(c *Combiner) { c.bus = b } }

// WithHTTPClient replaces the client used to reach signers.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Combiner) { c.client = NewSignerClient(h) }
}

func New(cfg Config, opts ...Option) (*Combiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Combiner{
		cfg:    cfg.withDefaults(),
		client: NewSignerClient(nil),
		now:    func() float64 { return float64(time.Now().Unix()) },
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Now is the combiner clock in unix seconds.
func (c *Combiner) Now() float64 { return c.now() }
