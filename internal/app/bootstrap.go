package app

import "fmt"

// BuildOrchestrator wires a complete core from config: stores, providers,
// roles, pricing. creds may be nil to resolve credentials from the
// environment; logger may be nil to disable logging.
func BuildOrchestrator(cfg Config, logger *Logger, creds CredentialLookup) (*Orchestrator, error) {
	var store SessionStore
	var err error
	switch cfg.Storage {
	case "", "file":
		store, err = NewFileSessionStore(cfg.StorageRoot, cfg.ArchivePolicy())
	case "sqlite":
		store, err = NewSQLiteSessionStore(cfg.StorageRoot, cfg.ArchivePolicy())
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	if err != nil {
		return nil, err
	}

	providers, err := BuildProviders(cfg.Providers, creds)
	if err != nil {
		return nil, err
	}

	registry := NewAgentRegistry()
	if cfg.RolesFile != "" {
		if err := registry.LoadRolesFile(cfg.RolesFile); err != nil {
			return nil, err
		}
	}

	pricing := DefaultPricingTable()
	if cfg.FallbackInput > 0 || cfg.FallbackOutput > 0 {
		pricing.fallback = ModelPricing{InputPerM: cfg.FallbackInput, OutputPerM: cfg.FallbackOutput}
	}

	opts := Options{
		MaxRetries:    cfg.MaxRetries,
		CallTimeout:   cfg.CallTimeout(),
		MaxIterations: cfg.MaxIterations,
		MaxTokens:     cfg.MaxTokens,
	}
	return NewOrchestrator(store, providers, registry, pricing, logger, opts), nil
}
