package sweeper

import (
	"testing"
	"time"
)

func TestNextFireDelay(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{
			name: "before fire hour same day",
			now:  time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC),
			want: 2 * time.Hour,
		},
		{
			name: "exactly at fire hour rolls to tomorrow",
			now:  time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC),
			want: 24 * time.Hour,
		},
		{
			name: "after fire hour rolls to tomorrow",
			now:  time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
			want: 17 * time.Hour,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextFireDelay(tt.now); got != tt.want {
				t.Errorf("nextFireDelay(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
