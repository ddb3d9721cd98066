package app

import (
	"math"
	"testing"
)

func TestContextUsagePercentageInvariant(t *testing.T) {
	u := ContextUsage{ContextWindow: 8000}
	updates := []int{100, 250, 1, 999, 3000, 0, 42}
	for _, tokens := range updates {
		u.Apply(tokens)
		want := float64(u.TotalTokens) / float64(u.ContextWindow) * 100
		if math.Abs(u.Percentage-want) > 1e-9 {
			t.Fatalf("after Apply(%d): percentage = %v, want %v", tokens, u.Percentage, want)
		}
	}
}

func TestContextUsageThresholdsFireOnce(t *testing.T) {
	u := ContextUsage{ContextWindow: 1000}

	if crossed := u.Apply(100); crossed != 0 {
		t.Fatalf("10%% usage crossed %d, want 0", crossed)
	}
	if crossed := u.Apply(750); crossed != 80 {
		t.Fatalf("85%% usage crossed %d, want 80", crossed)
	}
	// Staying above 80 must not re-fire it.
	if crossed := u.Apply(10); crossed != 0 {
		t.Fatalf("86%% usage crossed %d, want 0", crossed)
	}
	if crossed := u.Apply(60); crossed != 90 {
		t.Fatalf("92%% usage crossed %d, want 90", crossed)
	}
	if crossed := u.Apply(40); crossed != 95 {
		t.Fatalf("96%% usage crossed %d, want 95", crossed)
	}
	if crossed := u.Apply(500); crossed != 0 {
		t.Fatalf("after all thresholds crossed got %d, want 0", crossed)
	}
	if u.HighestWarning != 95 {
		t.Fatalf("HighestWarning = %d, want 95", u.HighestWarning)
	}
}

func TestContextUsageJumpReportsHighestOnly(t *testing.T) {
	u := ContextUsage{ContextWindow: 100}
	if crossed := u.Apply(96); crossed != 95 {
		t.Fatalf("jump to 96%% crossed %d, want 95", crossed)
	}
	if u.HighestWarning != 95 {
		t.Fatalf("HighestWarning = %d, want 95", u.HighestWarning)
	}
}

func TestContextUsageRewindowKeepsTotals(t *testing.T) {
	u := ContextUsage{ContextWindow: 1000}
	u.Apply(850)
	if u.HighestWarning != 80 {
		t.Fatalf("HighestWarning = %d, want 80", u.HighestWarning)
	}
	u.Rewindow(200000)
	if u.TotalTokens != 850 {
		t.Fatalf("TotalTokens = %d, want 850", u.TotalTokens)
	}
	if u.HighestWarning != 80 {
		t.Fatalf("HighestWarning lost on rewindow: %d", u.HighestWarning)
	}
	want := 850.0 / 200000 * 100
	if math.Abs(u.Percentage-want) > 1e-9 {
		t.Fatalf("Percentage = %v, want %v", u.Percentage, want)
	}
}
