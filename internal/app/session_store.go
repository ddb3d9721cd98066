package app

import "time"

// SessionStore owns Session records. Implementations persist write-through:
// every Save hits durable storage before returning, with atomic record
// replacement so a crash mid-write never corrupts a session.
//
// Archived sessions are read-only: Save rejects them and only Restore flips
// them back to active. The archive policy (active-count cap and age horizon)
// is enforced lazily on store access, not by a background timer.
type SessionStore interface {
	Create(provider, model string) (*Session, error)
	Get(id string) (*Session, error)
	Save(sess *Session) error
	List(includeArchived bool) ([]SessionSummary, error)
	Archive(id string) error
	Restore(id string) error
	Delete(id string) error

	SavePromptHistory(entries []string) error
	LoadPromptHistory() ([]string, error)
}

// ArchivePolicy bounds the active session set. Exceeding ActiveCap evicts the
// least-recently-updated session to the archive; sessions untouched for
// longer than Horizon are archived on the next store access.
type ArchivePolicy struct {
	ActiveCap int
	Horizon   time.Duration
}

func DefaultArchivePolicy() ArchivePolicy {
	return ArchivePolicy{ActiveCap: 50, Horizon: 50 * 24 * time.Hour}
}

func (p ArchivePolicy) orDefaults() ArchivePolicy {
	d := DefaultArchivePolicy()
	if p.ActiveCap <= 0 {
		p.ActiveCap = d.ActiveCap
	}
	if p.Horizon <= 0 {
		p.Horizon = d.Horizon
	}
	return p
}
