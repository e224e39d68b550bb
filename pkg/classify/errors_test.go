package classify

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Transport("dial failed", errors.New("dial tcp: timeout"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected errors.Is(err, ErrTransport) to be true")
	}
	if errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected errors.Is(err, ErrNoCapacity) to be false")
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := ProviderUnavailable("creating node", cause)

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected errors.As to find *Error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestVerificationFormatsFailureList(t *testing.T) {
	err := Verification([]string{"dmPolicy=open (expected pairing)", "container not running"})
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected KindVerification")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestAsExtractsClassifiedError(t *testing.T) {
	err := FatalConfig("missing PROVIDER_API_TOKEN", nil)
	ce, ok := As(err)
	if !ok {
		t.Fatalf("expected As to succeed")
	}
	if ce.Kind != KindFatalConfig {
		t.Fatalf("Kind = %s, want %s", ce.Kind, KindFatalConfig)
	}
}
