package core

import "errors"

// Domain separation tags.
const (
	// DSTSig is the hash-to-G2 tag for domain-restricted signatures. It is the
	// standard minimal-pubkey-size NUL ciphersuite so unblinded signatures verify
	// with any conforming BLS library.
	DSTSig = "BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_"
	// DSTKeyStore is the HKDF info string for key store encryption keys.
	DSTKeyStore = "ODIS/KEYSTORE/v1/AES-256-GCM"
)

// ErrInvalidDST marks an unknown domain separation tag.
var ErrInvalidDST = errors.New("invalid dst")

// IsValidDST reports whether dst is one of the tags above.
func IsValidDST(dst string) bool { return dst == DSTSig || dst == DSTKeyStore }
