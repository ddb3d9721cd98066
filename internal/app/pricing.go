package app

import "strings"

// ModelPricing is USD per one million tokens.
type ModelPricing struct {
	InputPerM  float64 `yaml:"input"`
	OutputPerM float64 `yaml:"output"`
}

// PricingTable is loaded once at startup and static for the process lifetime.
type PricingTable struct {
	prices   map[string]map[string]ModelPricing
	fallback ModelPricing
}

// DefaultFallbackPricing is applied to unknown (provider, model) pairs so
// cost visibility degrades to an estimate instead of blocking a call.
var DefaultFallbackPricing = ModelPricing{InputPerM: 5.0, OutputPerM: 15.0}

func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		fallback: DefaultFallbackPricing,
		prices: map[string]map[string]ModelPricing{
			"openrouter": {
				"openai/gpt-4":                       {30.0, 60.0},
				"openai/gpt-4-turbo":                 {10.0, 30.0},
				"openai/gpt-3.5-turbo":               {0.5, 1.5},
				"anthropic/claude-3-opus-20240229":   {15.0, 75.0},
				"anthropic/claude-3-sonnet-20240229": {3.0, 15.0},
				"mistralai/mistral-large":            {4.0, 12.0},
				"google/gemini-pro":                  {0.5, 1.5},
				"meta-llama/llama-2-70b-chat":        {0.9, 0.9},
			},
			"openai": {
				"gpt-4":               {30.0, 60.0},
				"gpt-4-turbo":         {10.0, 30.0},
				"gpt-4-turbo-preview": {10.0, 30.0},
				"gpt-3.5-turbo":       {0.5, 1.5},
			},
			"anthropic": {
				"claude-3-opus-20240229":   {15.0, 75.0},
				"claude-3-sonnet-20240229": {3.0, 15.0},
				"claude-3-haiku-20240307":  {0.25, 1.25},
			},
			// Local models cost nothing regardless of model name.
			"local": {
				"default": {0, 0},
			},
		},
	}
}

// SetPrice registers or overrides a (provider, model) price.
func (t *PricingTable) SetPrice(provider, model string, p ModelPricing) {
	if t.prices == nil {
		t.prices = map[string]map[string]ModelPricing{}
	}
	if t.prices[provider] == nil {
		t.prices[provider] = map[string]ModelPricing{}
	}
	t.prices[provider][model] = p
}

// EstimateCost prices a call. Missing (provider, model) pairs fall back to the
// provider's "default" entry, then to the table-wide fallback rate; approx is
// true whenever the fallback was used.
func (t *PricingTable) EstimateCost(provider, model string, tokensIn, tokensOut int) (usd float64, approx bool) {
	pricing, ok := t.lookup(provider, model)
	if !ok {
		pricing = t.fallback
		approx = true
	}
	usd = float64(tokensIn)/1_000_000*pricing.InputPerM +
		float64(tokensOut)/1_000_000*pricing.OutputPerM
	return usd, approx
}

func (t *PricingTable) lookup(provider, model string) (ModelPricing, bool) {
	byModel, ok := t.prices[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := byModel[model]; ok {
		return p, true
	}
	if p, ok := byModel["default"]; ok {
		return p, true
	}
	return ModelPricing{}, false
}

// contextWindows maps model-name fragments to context window sizes in tokens.
// Longest fragment wins so "gpt-4-turbo" beats "gpt-4".
var contextWindows = map[string]int{
	"gpt-4":                    8192,
	"gpt-4-turbo":              128000,
	"gpt-4-turbo-preview":      128000,
	"gpt-3.5-turbo":            4096,
	"gpt-3.5-turbo-16k":        16384,
	"claude-3-opus-20240229":   200000,
	"claude-3-sonnet-20240229": 200000,
	"claude-3-haiku-20240307":  200000,
	"claude-2.1":               100000,
	"claude-2.0":               100000,
	"claude-instant-1.2":       100000,
	"mistral-large":            32000,
	"mistral-medium":           32000,
	"mistral-small":            32000,
	"gemini-pro":               28000,
	"llama-2-7b":               4096,
	"llama-2-13b":              4096,
	"llama-2-70b":              4096,
	"llama-3-8b":               8192,
	"llama-3-70b":              8192,
	"demo-7b":                  8000,
}

// DefaultContextWindow is assumed for models the table does not know.
const DefaultContextWindow = 128000

// LookupContextWindow returns the context window size for a model. Matching is
// by name fragment because providers prefix and suffix model names freely.
func LookupContextWindow(model string) int {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return DefaultContextWindow
	}
	best := 0
	bestLen := 0
	for frag, window := range contextWindows {
		if strings.Contains(m, frag) && len(frag) > bestLen {
			best = window
			bestLen = len(frag)
		}
	}
	if best == 0 {
		return DefaultContextWindow
	}
	return best
}
