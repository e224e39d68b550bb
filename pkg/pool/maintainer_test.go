package pool

import (
	"testing"
	"time"

	"github.com/fleetward/nodewarden/internal/store"
)

func TestStuckThresholdReapsOldInProgressNodes(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt time.Time
		wantStuck bool
	}{
		{"just created", time.Now(), false},
		{"10 minutes old", time.Now().Add(-10 * time.Minute), false},
		{"31 minutes old", time.Now().Add(-31 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &store.Node{UpdatedAt: tt.updatedAt}
			if got := store.StuckSince(n, stuckThreshold); got != tt.wantStuck {
				t.Errorf("StuckSince() = %v, want %v", got, tt.wantStuck)
			}
		})
	}
}
