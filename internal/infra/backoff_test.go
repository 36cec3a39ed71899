package infra

import (
	"testing"
	"time"
)

func within(d, center time.Duration, jitter float64) bool {
	lo := time.Duration(float64(center) * (1 - jitter))
	hi := time.Duration(float64(center) * (1 + jitter))
	return d >= lo && d <= hi
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	bo := Backoff{Base: time.Second, Max: 30 * time.Second}.NewExponential()

	centers := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, center := range centers {
		if got := bo.NextBackOff(); !within(got, center, 0.5) {
			t.Errorf("retry %d: got %v, want %v ±50%%", i, got, center)
		}
	}
}

func TestBackoff_ResetStartsOver(t *testing.T) {
	bo := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.1}.NewExponential()
	for i := 0; i < 5; i++ {
		bo.NextBackOff()
	}

	bo.Reset()
	if got := bo.NextBackOff(); !within(got, 100*time.Millisecond, 0.1) {
		t.Errorf("Expected first delay after reset near 100ms, got %v", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	bo := Backoff{}.NewExponential()
	if bo.InitialInterval != defaultBaseDelay || bo.MaxInterval != defaultMaxDelay {
		t.Errorf("Expected 1s/30s defaults, got %v/%v", bo.InitialInterval, bo.MaxInterval)
	}
	if bo.RandomizationFactor != defaultJitter {
		t.Errorf("Expected jitter 0.5, got %v", bo.RandomizationFactor)
	}
}
