// Package domain holds the rate-limited signing domains: their canonical encoding,
// hashing and the per-variant rate-limit state machine.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/eip712"
)

var (
	// ErrUnsupportedDomain marks an unknown {name, version} or a malformed descriptor.
	ErrUnsupportedDomain = errors.New("unsupported domain")
)

// Identifier selects a domain variant in the registry.
type Identifier struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (id Identifier) String() string { return id.Name + "/v" + id.Version }

// State is the per-domain rate-limit state kept by every signer independently.
// Now is only populated on quota responses so clients can compute waits locally.
type State struct {
	Timer    float64 `json:"timer"`
	Counter  uint64  `json:"counter"`
	Disabled bool    `json:"disabled"`
	Now      float64 `json:"now,omitempty"`
}

// Result of evaluating one request against a domain's rate limit.
type Result struct {
	Accepted bool
	// State is the next state when accepted and the unchanged input otherwise.
	State State
	// NotBefore is the earliest time a retry can succeed. Zero when not applicable.
	NotBefore float64
}

// Domain is implemented by each registered variant.
type Domain interface {
	Identifier() Identifier
	// PrimaryType is the EIP-712 struct name of the variant.
	PrimaryType() string
	// Types is the EIP-712 schema of the variant including its dependencies.
	Types() eip712.Types
	// Hash is the EIP-712 struct hash; it keys the domain's state.
	Hash() common.Hash
	// Address is the key bound to the domain, if any.
	Address() (common.Address, bool)
	Evaluate(now float64, st State) Result
}

// Decoder builds a variant from its JSON descriptor.
type Decoder func(raw []byte) (Domain, error)

var (
	regMu    sync.RWMutex
	registry = map[Identifier]Decoder{}
)

// Register adds a variant. Registering the same identifier twice panics.
func Register(id Identifier, dec Decoder) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[id]; dup {
		panic("domain: duplicate registration for " + id.String())
	}
	registry[id] = dec
}

// Decode dispatches raw to the decoder registered for its {name, version}.
func Decode(raw []byte) (Domain, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: descriptor must be an object", ErrUnsupportedDomain)
	}
	var id Identifier
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDomain, err)
	}
	regMu.RLock()
	dec, ok := registry[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDomain, id)
	}
	d, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedDomain, id, err)
	}
	return d, nil
}

// HashHex is the lowercase 0x-prefixed hash used as a storage key.
func HashHex(d Domain) string { return d.Hash().Hex() }
