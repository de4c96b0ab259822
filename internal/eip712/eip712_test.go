package eip712

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Mail example from the EIP-712 proposal.
var mailTypes = Types{
	"Person": {{Name: "name", Type: "string"}, {Name: "wallet", Type: "address"}},
	"Mail":   {{Name: "from", Type: "Person"}, {Name: "to", Type: "Person"}, {Name: "contents", Type: "string"}},
}

func TestEncodeType_MailExample(t *testing.T) {
	want := "Mail(Person from,Person to,string contents)Person(string name,address wallet)"
	if got := mailTypes.EncodeType("Mail"); got != want {
		t.Fatalf("got %s", got)
	}
}

func TestHashStruct_MailExample(t *testing.T) {
	person := func(name, wallet string) common.Hash {
		return HashStruct(mailTypes.TypeHash("Person"), String(name), Address(common.HexToAddress(wallet)))
	}
	mail := HashStruct(mailTypes.TypeHash("Mail"),
		Struct(person("Cow", "0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826")),
		Struct(person("Bob", "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB")),
		String("Hello, Bob!"),
	)
	if mail.Hex() != "0xc52c0ee5d84264471806290a3f2c4cecfc5490626bf912d01f240d7a274b371e" {
		t.Fatalf("mail hash %s", mail.Hex())
	}
}

func TestEncodeType_DepsSortedAndArraysResolved(t *testing.T) {
	types := Types{
		"Z": {{Name: "items", Type: "B[]"}, {Name: "a", Type: "A"}},
		"A": {{Name: "v", Type: "uint256"}},
		"B": {{Name: "w", Type: "bool"}},
	}
	want := "Z(B[] items,A a)A(uint256 v)B(bool w)"
	if got := types.EncodeType("Z"); got != want {
		t.Fatalf("got %s", got)
	}
}

func TestOptional_AbsentAndDefaultDiffer(t *testing.T) {
	if OptionalUint256(None[uint64]()) == OptionalUint256(Some[uint64](0)) {
		t.Fatalf("undefined and defined zero must encode differently")
	}
	if OptionalBool(None[bool]()) == OptionalBool(Some(false)) {
		t.Fatalf("undefined and defined false must encode differently")
	}
	if OptionalString(None[string]()) == OptionalString(Some("")) {
		t.Fatalf("undefined and defined empty must encode differently")
	}
}

func TestOptional_JSONShape(t *testing.T) {
	b, err := json.Marshal(Some[uint64](3))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"defined":true,"value":3}` {
		t.Fatalf("got %s", b)
	}
	var o Optional[string]
	if err := json.Unmarshal([]byte(`{"defined":false,"value":""}`), &o); err != nil || o.Defined {
		t.Fatalf("unmarshal: %v %+v", err, o)
	}
	if o.Or("x") != "x" {
		t.Fatalf("Or should fall back")
	}
}

func TestDigest_Prefix(t *testing.T) {
	sep := DomainSeparator("ODIS", "1")
	sh := crypto.Keccak256Hash([]byte("s"))
	want := crypto.Keccak256Hash(append(append([]byte{0x19, 0x01}, sep.Bytes()...), sh.Bytes()...))
	if Digest(sep, sh) != want {
		t.Fatalf("digest mismatch")
	}
}
