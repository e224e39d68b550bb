// Package classify defines the node-lifecycle orchestrator's error taxonomy.
// Leaf layers (the SSH driver, the provider adapters) return plain wrapped
// errors; the Convergence Engine and Lifecycle Controller classify them into
// one of the kinds below so callers can decide whether to retry, mark a node
// error, or surface a 4xx to an HTTP caller.
package classify

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	// KindTransport covers SSH connect/exec failure and HTTP timeouts.
	// sshdriver.Connect retries a failed connect before returning it. In
	// ApplyAndVerify a transport failure inside a verify probe counts as a
	// probe failure and is retried, ending as KindVerification once the
	// attempts run out; one during apply or restart is returned at once.
	KindTransport Kind = "transport_error"

	// KindVerification means a verify probe's observed value did not match
	// the desired spec. Retried by ApplyAndVerify.
	KindVerification Kind = "verification_mismatch"

	// KindProviderUnavailable means the node-provider API returned 5xx or a
	// creation did not converge within its deadline.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindAuthenticationFailed covers invalid OAuth tokens, payment webhook
	// signature mismatches, and unknown gateway tokens. Never retried.
	KindAuthenticationFailed Kind = "authentication_failed"

	// KindNoCapacity means the pool is exhausted and MAX_TOTAL is reached.
	KindNoCapacity Kind = "no_capacity"

	// KindFatalConfig means a required secret or setting is missing at
	// startup. The process must refuse to start.
	KindFatalConfig Kind = "fatal_config"
)

// Error wraps an underlying cause with a taxonomy Kind. It satisfies
// errors.Is against the Kind-specific sentinel variables below and
// errors.Unwrap against the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel for this error's Kind, allowing
// errors.Is(err, classify.ErrTransport) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel values identifying each Kind, for use with errors.Is.
var (
	ErrTransport           = &Error{Kind: KindTransport}
	ErrVerification        = &Error{Kind: KindVerification}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrNoCapacity          = &Error{Kind: KindNoCapacity}
	ErrFatalConfig         = &Error{Kind: KindFatalConfig}
)

// Transport wraps cause as a KindTransport error.
func Transport(detail string, cause error) error {
	return &Error{Kind: KindTransport, Detail: detail, Cause: cause}
}

// Verification wraps a list of probe failures as a KindVerification error.
func Verification(failures []string) error {
	return &Error{Kind: KindVerification, Detail: fmt.Sprintf("%v", failures)}
}

// ProviderUnavailable wraps cause as a KindProviderUnavailable error.
func ProviderUnavailable(detail string, cause error) error {
	return &Error{Kind: KindProviderUnavailable, Detail: detail, Cause: cause}
}

// AuthenticationFailed returns a KindAuthenticationFailed error carrying detail.
func AuthenticationFailed(detail string) error {
	return &Error{Kind: KindAuthenticationFailed, Detail: detail}
}

// NoCapacity returns a KindNoCapacity error.
func NoCapacity(detail string) error {
	return &Error{Kind: KindNoCapacity, Detail: detail}
}

// FatalConfig wraps cause as a KindFatalConfig error.
func FatalConfig(detail string, cause error) error {
	return &Error{Kind: KindFatalConfig, Detail: detail, Cause: cause}
}

// As extracts the first *Error in err's chain, mirroring errors.As ergonomics
// without requiring the caller to declare a local variable.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
