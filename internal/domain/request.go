package domain

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/eip712"
)

// RequestKind is both the wire "type" field and the EIP-712 primary type of a request.
type RequestKind string

const (
	KindQuota   RequestKind = "DomainQuotaStatusRequest"
	KindSign    RequestKind = "DomainRestrictedSignatureRequest"
	KindDisable RequestKind = "DisableDomainRequest"
)

const requestCodecVersion = "1"

var separatorNames = map[RequestKind]string{
	KindQuota:   "ODIS Domain Quota Status Request",
	KindSign:    "ODIS Domain Restricted Signature Request",
	KindDisable: "ODIS Disable Domain Request",
}

// Envelope is the signable content of a request besides its domain. The request
// signature is not part of it: options.signature always encodes as undefined.
type Envelope struct {
	Kind           RequestKind
	BlindedMessage string
	Nonce          eip712.Optional[uint64]
	SessionID      eip712.Optional[string]
}

var optionsTypes = eip712.Types{
	"DomainOptions": {
		{Name: "nonce", Type: "Optional<uint256>"},
		{Name: "signature", Type: "Optional<string>"},
	},
}.Merge(eip712.OptionalTypes("string", "uint256"))

var optionsTypeHash = optionsTypes.TypeHash("DomainOptions")

func requestFields(kind RequestKind, domainType string) []eip712.Field {
	fields := make([]eip712.Field, 0, 5)
	if kind == KindSign {
		fields = append(fields, eip712.Field{Name: "blindedMessage", Type: "string"})
	}
	return append(fields,
		eip712.Field{Name: "domain", Type: domainType},
		eip712.Field{Name: "options", Type: "DomainOptions"},
		eip712.Field{Name: "sessionID", Type: "Optional<string>"},
		eip712.Field{Name: "type", Type: "string"},
	)
}

type typeKey struct {
	kind   RequestKind
	domain string
}

var requestTypeHashes sync.Map // typeKey -> common.Hash

// RequestTypes returns the full EIP-712 schema of kind for domain d.
func RequestTypes(kind RequestKind, d Domain) eip712.Types {
	return d.Types().Merge(optionsTypes, eip712.Types{string(kind): requestFields(kind, d.PrimaryType())})
}

func requestTypeHash(kind RequestKind, d Domain) common.Hash {
	k := typeKey{kind: kind, domain: d.PrimaryType()}
	if h, ok := requestTypeHashes.Load(k); ok {
		return h.(common.Hash)
	}
	h := RequestTypes(kind, d).TypeHash(string(kind))
	requestTypeHashes.Store(k, h)
	return h
}

// EncodeForSigning returns the EIP-712 digest a domain's key signs for this request.
func EncodeForSigning(d Domain, env Envelope) (common.Hash, error) {
	sepName, ok := separatorNames[env.Kind]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown request kind %q", env.Kind)
	}
	options := eip712.HashStruct(optionsTypeHash,
		eip712.OptionalUint256(env.Nonce),
		eip712.OptionalString(eip712.None[string]()),
	)
	members := make([]eip712.Word, 0, 5)
	if env.Kind == KindSign {
		members = append(members, eip712.String(env.BlindedMessage))
	}
	members = append(members,
		eip712.Struct(d.Hash()),
		eip712.Struct(options),
		eip712.OptionalString(env.SessionID),
		eip712.String(string(env.Kind)),
	)
	structHash := eip712.HashStruct(requestTypeHash(env.Kind, d), members...)
	return eip712.Digest(eip712.DomainSeparator(sepName, requestCodecVersion), structHash), nil
}
