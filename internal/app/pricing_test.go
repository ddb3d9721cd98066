package app

import (
	"math"
	"testing"
)

func TestEstimateCostKnownModel(t *testing.T) {
	table := DefaultPricingTable()
	usd, approx := table.EstimateCost("openai", "gpt-4", 1_000_000, 500_000)
	if approx {
		t.Fatal("known (provider, model) pair flagged approximate")
	}
	want := 30.0 + 0.5*60.0
	if math.Abs(usd-want) > 1e-9 {
		t.Fatalf("usd = %v, want %v", usd, want)
	}
}

func TestEstimateCostLocalIsFree(t *testing.T) {
	table := DefaultPricingTable()
	usd, approx := table.EstimateCost("local", "llama-3-8b", 100_000, 100_000)
	if usd != 0 {
		t.Fatalf("local usage cost %v, want 0", usd)
	}
	if approx {
		t.Fatal("local default pricing flagged approximate")
	}
}

func TestEstimateCostFallsBackOnUnknownPair(t *testing.T) {
	table := DefaultPricingTable()
	usd, approx := table.EstimateCost("nobody", "mystery-model", 1_000_000, 1_000_000)
	if !approx {
		t.Fatal("unknown pair not flagged approximate")
	}
	want := DefaultFallbackPricing.InputPerM + DefaultFallbackPricing.OutputPerM
	if math.Abs(usd-want) > 1e-9 {
		t.Fatalf("usd = %v, want fallback %v", usd, want)
	}
}

func TestSetPriceOverrides(t *testing.T) {
	table := DefaultPricingTable()
	table.SetPrice("custom", "m1", ModelPricing{InputPerM: 1, OutputPerM: 2})
	usd, approx := table.EstimateCost("custom", "m1", 2_000_000, 1_000_000)
	if approx {
		t.Fatal("registered pair flagged approximate")
	}
	if math.Abs(usd-4.0) > 1e-9 {
		t.Fatalf("usd = %v, want 4", usd)
	}
}

func TestLookupContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"demo-7b", 8000},
		{"gpt-4", 8192},
		{"gpt-4-turbo", 128000},            // longest fragment wins over gpt-4
		{"anthropic/claude-3-opus-20240229", 200000},
		{"some-unheard-of-model", DefaultContextWindow},
		{"", DefaultContextWindow},
	}
	for _, tc := range tests {
		if got := LookupContextWindow(tc.model); got != tc.want {
			t.Errorf("LookupContextWindow(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"short", "hi", 1},
		{"fourKChars", string(make([]byte, 4000)), 1000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateTokens(tc.in); got != tc.want {
				t.Fatalf("EstimateTokens = %d, want %d", got, tc.want)
			}
		})
	}
}
