package eip712

import (
	"github.com/ethereum/go-ethereum/common"
)

// Optional is the EIP-712 friendly optional value: {"defined": bool, "value": T}.
// An undefined Optional still carries a zero value so its encoding is total.
type Optional[T any] struct {
	Defined bool `json:"defined"`
	Value   T    `json:"value"`
}

func Some[T any](v T) Optional[T] { return Optional[T]{Defined: true, Value: v} }

func None[T any]() Optional[T] { return Optional[T]{} }

// Or returns the value when defined and def otherwise.
func (o Optional[T]) Or(def T) T {
	if o.Defined {
		return o.Value
	}
	return def
}

// OptionalType names the struct type wrapping inner, e.g. "Optional<uint256>".
func OptionalType(inner string) string { return "Optional<" + inner + ">" }

// OptionalTypes declares Optional<T> struct types for each inner type.
func OptionalTypes(inner ...string) Types {
	out := make(Types, len(inner))
	for _, in := range inner {
		out[OptionalType(in)] = []Field{{Name: "defined", Type: "bool"}, {Name: "value", Type: in}}
	}
	return out
}

var (
	optTypes       = OptionalTypes("address", "bool", "string", "uint256")
	optAddressHash = optTypes.TypeHash(OptionalType("address"))
	optBoolHash    = optTypes.TypeHash(OptionalType("bool"))
	optStringHash  = optTypes.TypeHash(OptionalType("string"))
	optUintHash    = optTypes.TypeHash(OptionalType("uint256"))
)

func OptionalUint256(o Optional[uint64]) Word {
	return Struct(HashStruct(optUintHash, Bool(o.Defined), Uint256(o.Value)))
}

func OptionalBool(o Optional[bool]) Word {
	return Struct(HashStruct(optBoolHash, Bool(o.Defined), Bool(o.Value)))
}

func OptionalString(o Optional[string]) Word {
	return Struct(HashStruct(optStringHash, Bool(o.Defined), String(o.Value)))
}

func OptionalAddress(o Optional[common.Address]) Word {
	return Struct(HashStruct(optAddressHash, Bool(o.Defined), Address(o.Value)))
}
