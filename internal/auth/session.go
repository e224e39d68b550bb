package auth

import (
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// sessionClaims is the payload signed into every bearer token minted for the
// external API surface. The identity-verification collaborator (Google/Apple
// OAuth, out of core scope) is responsible for authenticating the end user
// once; everything after that exchanges this compact, HMAC-signed token.
type sessionClaims struct {
	Sub string `json:"sub"` // user ID
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
}

// SessionManager issues and verifies HMAC-signed bearer tokens scoped to
// one user, built on go-jose.
type SessionManager struct {
	signer jose.Signer
	key    []byte
	maxAge time.Duration
}

// NewSessionManager creates a SessionManager signing tokens with secret.
func NewSessionManager(secret string, maxAge time.Duration) (*SessionManager, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}

	key := []byte(secret)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       key,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("creating jose signer: %w", err)
	}

	return &SessionManager{signer: signer, key: key, maxAge: maxAge}, nil
}

// IssueToken mints a compact, signed bearer token for userID.
func (m *SessionManager) IssueToken(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Sub: userID.String(),
		Iat: now.Unix(),
		Exp: now.Add(m.maxAge).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshalling claims: %w", err)
	}

	obj, err := m.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}

	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing session token: %w", err)
	}
	return compact, nil
}

// VerifyToken validates a token's signature and expiry, returning the bound
// user ID.
func (m *SessionManager) VerifyToken(token string) (uuid.UUID, error) {
	obj, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing session token: %w", err)
	}

	payload, err := obj.Verify(m.key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("verifying session token signature: %w", err)
	}

	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("decoding session claims: %w", err)
	}

	if time.Now().Unix() > claims.Exp {
		return uuid.Nil, fmt.Errorf("session token expired")
	}

	id, err := uuid.Parse(claims.Sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing subject claim: %w", err)
	}
	return id, nil
}
