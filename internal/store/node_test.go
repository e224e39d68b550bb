package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNodeUnbound(t *testing.T) {
	n := &Node{}
	if !n.Unbound() {
		t.Errorf("expected zero-value node to be unbound")
	}

	id := uuid.New()
	n.BindingUserID = &id
	if n.Unbound() {
		t.Errorf("expected node with BindingUserID set to be bound")
	}
}

func TestStuckSince(t *testing.T) {
	n := &Node{UpdatedAt: time.Now().Add(-10 * time.Minute)}

	if !StuckSince(n, 5*time.Minute) {
		t.Errorf("expected node updated 10m ago to be stuck past a 5m threshold")
	}
	if StuckSince(n, time.Hour) {
		t.Errorf("expected node updated 10m ago not to be stuck past a 1h threshold")
	}
}
