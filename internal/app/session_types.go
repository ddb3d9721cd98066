package app

import (
	"strings"
	"time"
)

// sessionRecordVersion is written into every persisted session so stores can
// default missing fields for records written by older builds. Unknown fields
// are ignored on load.
const sessionRecordVersion = 1

type ChatMessage struct {
	Role      string    `json:"role"` // user|assistant|system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextUsage is always recomputed from TotalTokens and ContextWindow;
// Percentage is never set independently.
type ContextUsage struct {
	TotalTokens   int     `json:"total_tokens"`
	ContextWindow int     `json:"context_window"`
	Percentage    float64 `json:"percentage"`
	// HighestWarning is the largest threshold (80/90/95) already crossed,
	// 0 if none. It only increases, so each warning fires once per session.
	HighestWarning int `json:"highest_warning,omitempty"`
}

type Spend struct {
	USD       float64 `json:"usd"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Calls     int     `json:"calls"`
}

type CostTotals struct {
	TotalUSD float64 `json:"total_usd"`
	// Approximate is set once any contributing call was priced via the
	// fallback rate or estimated token counts.
	Approximate bool             `json:"approximate,omitempty"`
	ByProvider  map[string]Spend `json:"by_provider,omitempty"`
	ByModel     map[string]Spend `json:"by_model,omitempty"`
}

type Session struct {
	Version  int    `json:"version"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	History []ChatMessage `json:"history"`

	Usage ContextUsage `json:"context_usage"`
	Cost  CostTotals   `json:"cost"`

	// FilesTouched is a provenance trail of external files this session
	// caused to be modified. The core never performs the edits itself.
	FilesTouched []string `json:"files_touched,omitempty"`

	Archived  bool      `json:"archived,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	TotalUSD     float64   `json:"total_usd"`
	Archived     bool      `json:"archived"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Name:         s.Name,
		Provider:     s.Provider,
		Model:        s.Model,
		MessageCount: len(s.History),
		TotalUSD:     s.Cost.TotalUSD,
		Archived:     s.Archived,
		LastActivity: s.UpdatedAt,
	}
}

// DeriveName fills in Name when it was never set explicitly: the first user
// message truncated to 30 characters, or a timestamp label.
func (s *Session) DeriveName() {
	if strings.TrimSpace(s.Name) != "" {
		return
	}
	for _, m := range s.History {
		if m.Role != "user" {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(m.Content, "\n", 2)[0])
		if line == "" {
			break
		}
		if len(line) > 30 {
			line = line[:27] + "..."
		}
		s.Name = line
		return
	}
	s.Name = "Session " + s.CreatedAt.Format("20060102_150405")
}

// RecordFileTouched appends path to the provenance trail, deduplicated.
func (s *Session) RecordFileTouched(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	for _, p := range s.FilesTouched {
		if p == path {
			return
		}
	}
	s.FilesTouched = append(s.FilesTouched, path)
}
