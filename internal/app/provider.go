package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

type SendRequest struct {
	System    string
	History   []ChatMessage
	Input     string
	Model     string
	MaxTokens int
}

type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	// TokensEstimated marks counts derived from the chars-per-token heuristic
	// rather than provider-reported usage, so cost figures can be labelled.
	TokensEstimated bool
}

// Provider is the uniform call contract every backend implements. Send blocks
// until the backend answers or ctx is done; implementations classify failures
// into ProviderError kinds and hold no state besides credentials.
//
// On error the returned Completion may still carry token counts when the
// backend reported usage before failing; callers must record that spend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (Completion, error)
}

type ProviderKind string

const (
	KindLocal  ProviderKind = "local"
	KindRemote ProviderKind = "remote"
)

// Wire formats for remote adapters.
const (
	WireAnthropic = "anthropic"
	WireOpenAI    = "openai"
)

type ProviderConfig struct {
	Name          string       `yaml:"name"`
	Kind          ProviderKind `yaml:"kind"`
	Model         string       `yaml:"model"`
	BaseURL       string       `yaml:"base_url,omitempty"`
	Wire          string       `yaml:"wire,omitempty"` // anthropic|openai, remote only
	CredentialRef string       `yaml:"credential_ref,omitempty"`
	Enabled       bool         `yaml:"enabled"`
}

// CredentialLookup resolves a credential reference to a secret. Credentials
// are injected, never stored in session records or hard-coded.
type CredentialLookup func(ref string) (string, bool)

// EnvCredentials resolves credential references as environment variables.
func EnvCredentials(ref string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(ref))
	return v, v != ""
}

// ProviderSet holds the process-wide adapter instances. The set of configs is
// shared by all sessions; each session points at one current provider.
type ProviderSet struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderSet() *ProviderSet {
	return &ProviderSet{providers: map[string]Provider{}}
}

func (ps *ProviderSet) Register(p Provider) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.providers[p.Name()] = p
}

func (ps *ProviderSet) Get(name string) (Provider, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (ps *ProviderSet) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.providers))
	for name := range ps.providers {
		names = append(names, name)
	}
	return names
}

// BuildProviders constructs adapters for every enabled config. Unknown remote
// wire formats default by provider name (anthropic-style for "anthropic",
// openai-style otherwise, which also covers openrouter).
func BuildProviders(configs []ProviderConfig, creds CredentialLookup) (*ProviderSet, error) {
	if creds == nil {
		creds = EnvCredentials
	}
	set := NewProviderSet()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("provider config with empty name")
		}
		switch cfg.Kind {
		case KindLocal:
			set.Register(NewOllamaProvider(name, cfg.BaseURL, cfg.Model))
		case KindRemote:
			key, _ := creds(cfg.CredentialRef)
			wire := cfg.Wire
			if wire == "" && name == "anthropic" {
				wire = WireAnthropic
			}
			if wire == WireAnthropic {
				set.Register(NewAnthropicProvider(name, cfg.BaseURL, cfg.Model, key))
			} else {
				set.Register(NewOpenAIProvider(name, cfg.BaseURL, cfg.Model, key))
			}
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, cfg.Kind)
		}
	}
	return set, nil
}
