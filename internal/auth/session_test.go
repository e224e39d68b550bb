package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionManagerIssueAndVerify(t *testing.T) {
	mgr, err := NewSessionManager("a-development-secret-key", time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	userID := uuid.New()
	token, err := mgr.IssueToken(userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	gotID, err := mgr.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if gotID != userID {
		t.Errorf("VerifyToken returned %s, want %s", gotID, userID)
	}
}

func TestSessionManagerRejectsExpiredToken(t *testing.T) {
	mgr, err := NewSessionManager("a-development-secret-key", -time.Minute)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	token, err := mgr.IssueToken(uuid.New())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := mgr.VerifyToken(token); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}
}

func TestSessionManagerRejectsTamperedToken(t *testing.T) {
	mgrA, _ := NewSessionManager("a-development-secret-key", time.Hour)
	mgrB, _ := NewSessionManager("a-different-secret-key!!", time.Hour)

	token, err := mgrA.IssueToken(uuid.New())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := mgrB.VerifyToken(token); err == nil {
		t.Fatalf("expected token signed by a different key to fail verification")
	}
}

func TestNewSessionManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewSessionManager("short", time.Hour); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
