// Package eip712 is a small, explicit EIP-712 encoder. Callers declare their type
// schema once and encode each field by hand in declaration order; nothing here
// inspects Go values by reflection.
package eip712

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Field is one member of a struct type.
type Field struct {
	Name string
	Type string
}

// Types maps a struct type name to its ordered members.
type Types map[string][]Field

// Merge returns a new Types holding the union of t and others. Later entries win.
func (t Types) Merge(others ...Types) Types {
	out := make(Types, len(t))
	for k, v := range t {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

func baseType(typ string) string {
	if i := strings.IndexByte(typ, '['); i >= 0 {
		return typ[:i]
	}
	return typ
}

func (t Types) deps(primary string, found map[string]struct{}) {
	if _, ok := found[primary]; ok {
		return
	}
	fields, ok := t[primary]
	if !ok {
		return
	}
	found[primary] = struct{}{}
	for _, f := range fields {
		t.deps(baseType(f.Type), found)
	}
}

// EncodeType renders primary followed by its referenced struct types in name order.
func (t Types) EncodeType(primary string) string {
	found := map[string]struct{}{}
	t.deps(primary, found)
	delete(found, primary)
	rest := make([]string, 0, len(found))
	for k := range found {
		rest = append(rest, k)
	}
	sort.Strings(rest)

	var b strings.Builder
	for _, name := range append([]string{primary}, rest...) {
		b.WriteString(name)
		b.WriteByte('(')
		for i, f := range t[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(f.Type)
			b.WriteByte(' ')
			b.WriteString(f.Name)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (t Types) TypeHash(primary string) common.Hash {
	return crypto.Keccak256Hash([]byte(t.EncodeType(primary)))
}

// Word is one 32-byte encoded member value.
type Word [32]byte

func Uint256(v uint64) Word {
	var w Word
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

func Bool(v bool) Word {
	var w Word
	if v {
		w[31] = 1
	}
	return w
}

func Address(a common.Address) Word {
	var w Word
	copy(w[12:], a.Bytes())
	return w
}

func String(s string) Word { return Word(crypto.Keccak256Hash([]byte(s))) }

func Bytes(b []byte) Word { return Word(crypto.Keccak256Hash(b)) }

// Struct is the encoding of a nested struct member: its hashStruct.
func Struct(h common.Hash) Word { return Word(h) }

// Array encodes T[] as keccak256 of the concatenated member encodings.
func Array(items ...Word) Word {
	buf := make([]byte, 0, 32*len(items))
	for i := range items {
		buf = append(buf, items[i][:]...)
	}
	return Word(crypto.Keccak256Hash(buf))
}

// HashStruct is keccak256(typeHash ‖ enc(member₁) ‖ … ‖ enc(memberₙ)).
func HashStruct(typeHash common.Hash, members ...Word) common.Hash {
	buf := make([]byte, 0, 32*(len(members)+1))
	buf = append(buf, typeHash.Bytes()...)
	for i := range members {
		buf = append(buf, members[i][:]...)
	}
	return crypto.Keccak256Hash(buf)
}

var domainTypes = Types{"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "version", Type: "string"}}}

// DomainSeparator hashes EIP712Domain{name, version}.
func DomainSeparator(name, version string) common.Hash {
	return HashStruct(domainTypes.TypeHash("EIP712Domain"), String(name), String(version))
}

// Digest is the value that gets signed: keccak256(0x19 0x01 ‖ separator ‖ structHash).
func Digest(separator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash.Bytes())
}
