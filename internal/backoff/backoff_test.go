package backoff

import (
	"testing"
	"time"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", time.Second, time.Minute, 0, time.Second},
		{"second attempt", time.Second, time.Minute, 1, 2 * time.Second},
		{"fifth attempt", time.Second, time.Minute, 5, 32 * time.Second},
		{"capped", time.Second, time.Minute, 6, time.Minute},
		{"huge attempt", time.Second, time.Minute, 200, time.Minute},
		{"negative attempt", time.Second, time.Minute, -3, time.Second},
		{"zero base", 0, time.Minute, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Calculate(tt.base, tt.max, tt.attempt); got != tt.want {
				t.Errorf("Calculate(%v, %v, %d) = %v, want %v", tt.base, tt.max, tt.attempt, got, tt.want)
			}
		})
	}
}
