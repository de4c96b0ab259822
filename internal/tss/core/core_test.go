package core

import "testing"

func TestIsValidDST(t *testing.T) {
	if !IsValidDST(DSTSig) || !IsValidDST(DSTKeyStore) {
		t.Fatalf("known DST should be valid")
	}
	if IsValidDST("EQS/UNKNOWN") || IsValidDST("") {
		t.Fatalf("unexpected valid DST")
	}
}
