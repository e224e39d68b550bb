package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const appleJWKSURL = "https://appleid.apple.com/auth/keys"
const appleIssuer = "https://appleid.apple.com"

// AppleVerifier verifies Sign in with Apple identity tokens by fetching
// Apple's published JWKS and checking the JWS signature — not just
// issuer/audience/expiry. That gap is the whole reason this type exists:
// a checked-but-unsigned token lets anyone mint an Apple identity for any
// email address.
type AppleVerifier struct {
	clientID   string
	httpClient *http.Client
}

// NewAppleVerifier creates an AppleVerifier that checks tokens against the
// given client ID (the app's Apple Services ID / bundle ID).
func NewAppleVerifier(clientID string) *AppleVerifier {
	return &AppleVerifier{clientID: clientID, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *AppleVerifier) fetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, appleJWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building apple jwks request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching apple jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching apple jwks: unexpected status %d", resp.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("decoding apple jwks: %w", err)
	}
	return &jwks, nil
}

// Verify checks the token's JWS signature against Apple's published keys,
// then validates issuer, audience, and expiry.
func (a *AppleVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	tok, err := jwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("parsing apple id token: %w", err)
	}
	if len(tok.Headers) == 0 {
		return nil, fmt.Errorf("apple id token missing header")
	}
	kid := tok.Headers[0].KeyID

	jwks, err := a.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	matching := jwks.Key(kid)
	if len(matching) == 0 {
		return nil, fmt.Errorf("no apple jwks key matching kid %q", kid)
	}

	var registered jwt.Claims
	var custom struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := tok.Claims(matching[0].Key, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying apple id token signature: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer:   appleIssuer,
		Audience: jwt.Audience{a.clientID},
		Time:     time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating apple id token claims: %w", err)
	}

	return &Claims{Subject: registered.Subject, Email: custom.Email, EmailVerified: custom.EmailVerified}, nil
}
