package keys

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// ErrKeyFetch is returned when no usable share exists for a key version.
var ErrKeyFetch = errors.New("key fetch failed")

// Source loads a key share by version.
type Source interface {
	Load(ctx context.Context, version int) (KeyShare, error)
}

// Provider resolves key versions to validated shares, caching decoded
// shares so the key store is hit once per version.
type Provider struct {
	src    Source
	latest int
	cache  *lru.Cache[int, KeyShare]
}

// NewProvider wraps src. latest is the version used when a request names none.
func NewProvider(src Source, latest, cacheSize int) (*Provider, error) {
	if cacheSize <= 0 {
		cacheSize = 8
	}
	c, err := lru.New[int, KeyShare](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Provider{src: src, latest: latest, cache: c}, nil
}

// LatestVersion is the default key version.
func (p *Provider) LatestVersion() int { return p.latest }

// Share returns the validated share for version.
func (p *Provider) Share(ctx context.Context, version int) (KeyShare, error) {
	if ks, ok := p.cache.Get(version); ok {
		metrics.Inc("key_cache_total", map[string]string{"result": "hit"})
		return ks, nil
	}
	metrics.Inc("key_cache_total", map[string]string{"result": "miss"})
	ks, err := p.src.Load(ctx, version)
	if err != nil {
		return KeyShare{}, fmt.Errorf("%w: version %d: %v", ErrKeyFetch, version, err)
	}
	if ks.Version != version {
		return KeyShare{}, fmt.Errorf("%w: stored version %d, want %d", ErrKeyFetch, ks.Version, version)
	}
	if err := ks.Validate(); err != nil {
		return KeyShare{}, fmt.Errorf("%w: version %d: %v", ErrKeyFetch, version, err)
	}
	p.cache.Add(version, ks)
	return ks, nil
}

// Static is an in-memory Source.
type Static map[int]KeyShare

func (s Static) Load(_ context.Context, version int) (KeyShare, error) {
	ks, ok := s[version]
	if !ok {
		return KeyShare{}, ErrNotFound
	}
	return ks, nil
}
