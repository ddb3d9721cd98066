package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileSessionStore keeps one JSON file per session.
//
// Layout:
//
//	<root>/sessions/<sessionID>.json
//	<root>/archive/<sessionID>.json
//	<root>/history/prompts.json
//
// Writes go to a temp file in the same directory and are renamed into place.
type FileSessionStore struct {
	Root   string
	Policy ArchivePolicy
}

func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "blonde", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "blonde", "storage")
	}
	return filepath.Join(os.TempDir(), "blonde", "storage")
}

func NewFileSessionStore(root string, policy ArchivePolicy) (*FileSessionStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	for _, dir := range []string{"sessions", "archive", "history"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileSessionStore{Root: root, Policy: policy.orDefaults()}, nil
}

func (s *FileSessionStore) activePath(id string) string {
	return filepath.Join(s.Root, "sessions", id+".json")
}

func (s *FileSessionStore) archivePath(id string) string {
	return filepath.Join(s.Root, "archive", id+".json")
}

func (s *FileSessionStore) promptHistoryPath() string {
	return filepath.Join(s.Root, "history", "prompts.json")
}

func (s *FileSessionStore) Create(provider, model string) (*Session, error) {
	if err := s.enforcePolicy(); err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		Version:   sessionRecordVersion,
		ID:        uuid.NewString(),
		Provider:  provider,
		Model:     model,
		Usage:     ContextUsage{ContextWindow: LookupContextWindow(model)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeSession(s.activePath(sess.ID), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *FileSessionStore) Get(id string) (*Session, error) {
	if sess, err := s.readSession(s.activePath(id)); err == nil {
		return sess, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if sess, err := s.readSession(s.archivePath(id)); err == nil {
		return sess, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

func (s *FileSessionStore) Save(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session with empty id")
	}
	if _, err := os.Stat(s.archivePath(sess.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrSessionArchived, sess.ID)
	}
	sess.Version = sessionRecordVersion
	sess.UpdatedAt = time.Now()
	return s.writeSession(s.activePath(sess.ID), sess)
}

func (s *FileSessionStore) List(includeArchived bool) ([]SessionSummary, error) {
	if err := s.enforcePolicy(); err != nil {
		return nil, err
	}
	summaries, err := s.readDir(filepath.Join(s.Root, "sessions"))
	if err != nil {
		return nil, err
	}
	if includeArchived {
		archived, err := s.readDir(filepath.Join(s.Root, "archive"))
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, archived...)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

func (s *FileSessionStore) Archive(id string) error {
	src := s.activePath(id)
	sess, err := s.readSession(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, aerr := os.Stat(s.archivePath(id)); aerr == nil {
				return nil // already archived
			}
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return err
	}
	sess.Archived = true
	if err := s.writeSession(s.archivePath(id), sess); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *FileSessionStore) Restore(id string) error {
	src := s.archivePath(id)
	sess, err := s.readSession(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return err
	}
	sess.Archived = false
	sess.UpdatedAt = time.Now()
	if err := s.writeSession(s.activePath(id), sess); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *FileSessionStore) Delete(id string) error {
	var missing int
	for _, path := range []string{s.activePath(id), s.archivePath(id)} {
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			missing++
		}
	}
	if missing == 2 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

type promptHistoryRecord struct {
	Entries   []string  `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *FileSessionStore) SavePromptHistory(entries []string) error {
	payload, err := json.MarshalIndent(promptHistoryRecord{Entries: entries, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.promptHistoryPath(), payload)
}

func (s *FileSessionStore) LoadPromptHistory() ([]string, error) {
	data, err := os.ReadFile(s.promptHistoryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec promptHistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.Entries, nil
}

// enforcePolicy archives sessions past the age horizon, then evicts the
// least-recently-updated sessions while the active count exceeds the cap.
func (s *FileSessionStore) enforcePolicy() error {
	summaries, err := s.readDir(filepath.Join(s.Root, "sessions"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.Policy.Horizon)
	var active []SessionSummary
	for _, sum := range summaries {
		if sum.LastActivity.Before(cutoff) {
			if err := s.Archive(sum.ID); err != nil {
				return err
			}
			continue
		}
		active = append(active, sum)
	}
	if len(active) <= s.Policy.ActiveCap {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivity.Before(active[j].LastActivity)
	})
	for _, sum := range active[:len(active)-s.Policy.ActiveCap] {
		if err := s.Archive(sum.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSessionStore) readDir(dir string) ([]SessionSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var summaries []SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.readSession(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue // skip unreadable records rather than failing the listing
		}
		summaries = append(summaries, sess.Summary())
	}
	return summaries, nil
}

func (s *FileSessionStore) readSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", path, err)
	}
	normalizeLoadedSession(&sess)
	return &sess, nil
}

func (s *FileSessionStore) writeSession(path string, sess *Session) error {
	payload, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, payload)
}

// normalizeLoadedSession defaults fields that records from older builds may
// lack, instead of erroring on them.
func normalizeLoadedSession(sess *Session) {
	if sess.Version == 0 {
		sess.Version = sessionRecordVersion
	}
	if sess.Usage.ContextWindow == 0 {
		sess.Usage.ContextWindow = LookupContextWindow(sess.Model)
	}
	if sess.Cost.ByProvider == nil {
		sess.Cost.ByProvider = map[string]Spend{}
	}
	if sess.Cost.ByModel == nil {
		sess.Cost.ByModel = map[string]Spend{}
	}
	sess.Usage.recompute()
}

// atomicWrite replaces path via write-to-temp-then-rename so a crash mid-write
// never leaves a truncated record.
func atomicWrite(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
