package feedback

import (
	"math"
	"testing"
	"time"
)

func TestSmoothStaysInUnitInterval(t *testing.T) {
	rate := 0.5
	for i := 0; i < 1000; i++ {
		rate = Smooth(rate, i%3 != 0)
		if rate < 0 || rate > 1 {
			t.Fatalf("rate left [0,1]: %v", rate)
		}
	}
	if got := Smooth(0.8, true); math.Abs(got-0.82) > 1e-12 {
		t.Fatalf("Smooth(0.8, true) = %v", got)
	}
	if got := Smooth(0.8, false); math.Abs(got-0.76) > 1e-12 {
		t.Fatalf("Smooth(0.8, false) = %v", got)
	}
}

func TestRecency(t *testing.T) {
	w := 300 * time.Second
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{30 * time.Second, 0.9},
		{90 * time.Second, 0.7},
		{200 * time.Second, 0.7},
		{time.Hour, 0.7},
	}
	for _, tt := range tests {
		if got := Recency(tt.age, w, 0.7); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("Recency(%v) = %v, want %v", tt.age, got, tt.want)
		}
	}
}
