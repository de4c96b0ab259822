package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/eip712"
)

const (
	SequentialDelayName    = "ODISSequentialDelayDomain"
	SequentialDelayVersion = "1"
)

func init() {
	Register(Identifier{Name: SequentialDelayName, Version: SequentialDelayVersion}, decodeSequentialDelay)
}

// SequentialDelayStage is one phase of a sequential delay policy.
type SequentialDelayStage struct {
	// Delay in seconds required before the first request of each batch.
	Delay uint64 `json:"delay"`
	// ResetTimer defaults to true.
	ResetTimer eip712.Optional[bool] `json:"resetTimer"`
	// BatchSize defaults to 1.
	BatchSize eip712.Optional[uint64] `json:"batchSize"`
	// Repetitions defaults to 1. The last stage repeats without bound.
	Repetitions eip712.Optional[uint64] `json:"repetitions"`
}

// SequentialDelayDomain spaces requests according to an ordered list of stages.
type SequentialDelayDomain struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Stages  []SequentialDelayStage `json:"stages"`
	// Account, when defined, is the hex address every request must be signed by.
	Account eip712.Optional[string] `json:"address"`
	Salt    eip712.Optional[string] `json:"salt"`

	addr     eip712.Optional[common.Address]
	hashOnce sync.Once
	hash     common.Hash
}

var sequentialDelayTypes = eip712.Types{
	"SequentialDelayDomain": {
		{Name: "address", Type: "Optional<address>"},
		{Name: "name", Type: "string"},
		{Name: "salt", Type: "Optional<string>"},
		{Name: "stages", Type: "SequentialDelayStage[]"},
		{Name: "version", Type: "string"},
	},
	"SequentialDelayStage": {
		{Name: "batchSize", Type: "Optional<uint256>"},
		{Name: "delay", Type: "uint256"},
		{Name: "repetitions", Type: "Optional<uint256>"},
		{Name: "resetTimer", Type: "Optional<bool>"},
	},
}.Merge(eip712.OptionalTypes("address", "bool", "string", "uint256"))

var (
	sdDomainTypeHash = sequentialDelayTypes.TypeHash("SequentialDelayDomain")
	sdStageTypeHash  = sequentialDelayTypes.TypeHash("SequentialDelayStage")
)

// NewSequentialDelay builds a validated domain. address may be nil for an unkeyed domain.
func NewSequentialDelay(stages []SequentialDelayStage, address *common.Address, salt eip712.Optional[string]) (*SequentialDelayDomain, error) {
	d := &SequentialDelayDomain{
		Name:    SequentialDelayName,
		Version: SequentialDelayVersion,
		Stages:  stages,
		Salt:    salt,
	}
	if address != nil {
		d.Account = eip712.Some(address.Hex())
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeSequentialDelay(raw []byte) (Domain, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	d := &SequentialDelayDomain{}
	if err := dec.Decode(d); err != nil {
		return nil, err
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SequentialDelayDomain) validate() error {
	if len(d.Stages) == 0 {
		return errors.New("stages must not be empty")
	}
	for i, s := range d.Stages {
		if s.BatchSize.Defined && s.BatchSize.Value == 0 {
			return fmt.Errorf("stage %d: batchSize must be positive", i)
		}
	}
	if d.Account.Defined {
		if !common.IsHexAddress(d.Account.Value) {
			return fmt.Errorf("address %q is not a hex account", d.Account.Value)
		}
		d.addr = eip712.Some(common.HexToAddress(d.Account.Value))
	} else if d.Account.Value != "" {
		return errors.New("undefined address must carry an empty value")
	}
	return nil
}

func (d *SequentialDelayDomain) Identifier() Identifier {
	return Identifier{Name: d.Name, Version: d.Version}
}

func (d *SequentialDelayDomain) PrimaryType() string { return "SequentialDelayDomain" }

func (d *SequentialDelayDomain) Types() eip712.Types { return sequentialDelayTypes }

func (d *SequentialDelayDomain) Address() (common.Address, bool) {
	return d.addr.Value, d.addr.Defined
}

func (d *SequentialDelayDomain) Hash() common.Hash {
	d.hashOnce.Do(func() { d.hash = d.structHash() })
	return d.hash
}

func (d *SequentialDelayDomain) structHash() common.Hash {
	stages := make([]eip712.Word, len(d.Stages))
	for i, s := range d.Stages {
		stages[i] = eip712.Struct(eip712.HashStruct(sdStageTypeHash,
			eip712.OptionalUint256(s.BatchSize),
			eip712.Uint256(s.Delay),
			eip712.OptionalUint256(s.Repetitions),
			eip712.OptionalBool(s.ResetTimer),
		))
	}
	return eip712.HashStruct(sdDomainTypeHash,
		eip712.OptionalAddress(d.addr),
		eip712.String(d.Name),
		eip712.OptionalString(d.Salt),
		eip712.Array(stages...),
		eip712.String(d.Version),
	)
}

// locate returns the stage that owns slot counter and the slot where that stage starts.
func (d *SequentialDelayDomain) locate(counter uint64) (SequentialDelayStage, uint64) {
	var start uint64
	last := len(d.Stages) - 1
	for i, s := range d.Stages {
		if i == last {
			return s, start
		}
		hi, slots := bits.Mul64(s.Repetitions.Or(1), s.BatchSize.Or(1))
		if hi != 0 || start+slots < start {
			// Stage is effectively unbounded.
			return s, start
		}
		if counter < start+slots {
			return s, start
		}
		start += slots
	}
	return d.Stages[last], start
}

// Evaluate applies the sequential delay policy to one request arriving at now.
func (d *SequentialDelayDomain) Evaluate(now float64, st State) Result {
	if st.Disabled {
		return Result{State: st}
	}
	stage, start := d.locate(st.Counter)
	boundary := (st.Counter-start)%stage.BatchSize.Or(1) == 0
	// The zero state has no earlier request to measure a delay from.
	fresh := st.Counter == 0 && st.Timer == 0
	if boundary && !fresh {
		notBefore := st.Timer + float64(stage.Delay)
		if now < notBefore {
			return Result{State: st, NotBefore: notBefore}
		}
	}
	next := st
	next.Now = 0
	next.Counter++
	if (stage.ResetTimer.Or(true) || boundary) && now > st.Timer {
		next.Timer = now
	}
	return Result{Accepted: true, State: next}
}

// MarshalJSON emits the canonical descriptor so it can be forwarded verbatim.
func (d *SequentialDelayDomain) MarshalJSON() ([]byte, error) {
	type wire struct {
		Name    string                  `json:"name"`
		Version string                  `json:"version"`
		Stages  []SequentialDelayStage  `json:"stages"`
		Address eip712.Optional[string] `json:"address"`
		Salt    eip712.Optional[string] `json:"salt"`
	}
	return json.Marshal(wire{Name: d.Name, Version: d.Version, Stages: d.Stages, Address: d.Account, Salt: d.Salt})
}
