package wire

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus_Taxonomy(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeInvalidInput:                http.StatusBadRequest,
		CodeUnsupportedDomain:           http.StatusBadRequest,
		CodeInvalidNonce:                http.StatusBadRequest,
		CodeMissingSessionID:            http.StatusBadRequest,
		CodeUnauthenticatedUser:         http.StatusUnauthorized,
		CodeInvalidAuthSignature:        http.StatusUnauthorized,
		CodeDisabledDomain:              http.StatusForbidden,
		CodeExceededQuota:               http.StatusTooManyRequests,
		CodeNotEnoughPartialSignatures:  http.StatusInternalServerError,
		CodeDatabaseUpdateFailure:       http.StatusInternalServerError,
		CodeKeyFetchError:               http.StatusInternalServerError,
		CodeAPIUnavailable:              http.StatusServiceUnavailable,
		CodeInconsistentSignerResponses: http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := code.Status(); got != want {
			t.Fatalf("%s: got %d want %d", code, got, want)
		}
	}
}

func TestKind_Groups(t *testing.T) {
	if CodeInvalidNonce.Kind() != KindInput || CodeExceededQuota.Kind() != KindPolicy || CodeTimeoutFromSigner.Kind() != KindTransient {
		t.Fatalf("unexpected kinds")
	}
	if CodeFailureToIncrementQueryCount.Kind() != KindStorage || CodeVerifyPartialSignatureError.Kind() != KindAggregate {
		t.Fatalf("unexpected kinds")
	}
	if !CodeSignerRequestError.Retryable() || CodeInvalidNonce.Retryable() {
		t.Fatalf("retryable classification")
	}
}

func TestError_IsAndCodeOf(t *testing.T) {
	err := fmt.Errorf("sign: %w", Errorf(CodeInvalidNonce, "want %d got %d", 1, 2))
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("errors.Is should match by code")
	}
	if errors.Is(err, ErrDisabledDomain) {
		t.Fatalf("different code must not match")
	}
	if CodeOf(err) != CodeInvalidNonce || StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("code=%s", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != CodeUnknown || StatusOf(nil) != http.StatusOK {
		t.Fatalf("fallbacks")
	}
}
