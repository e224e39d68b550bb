// Package identity verifies third-party identity tokens presented at
// sign-in. The core only ever consumes the Verifier interface; concrete
// verifiers live alongside it so the repo compiles and is testable
// end-to-end without real network access to Google or Apple.
package identity

import "context"

// Claims is the subset of an identity token's claims the core needs to
// create or look up a User.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// Verifier verifies a provider-issued identity token and extracts Claims.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}
