package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteSessionStore keeps all sessions in a single database file. Records
// are stored as the same versioned JSON used by the file store, with a few
// indexed columns for listing and policy enforcement; SQLite gives the
// atomic-replacement guarantee the file store gets from rename.
type SQLiteSessionStore struct {
	Root   string
	Policy ArchivePolicy

	dbPath string
	mu     sync.Mutex
	once   sync.Once
	db     *sql.DB
	err    error
}

func NewSQLiteSessionStore(root string, policy ArchivePolicy) (*SQLiteSessionStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &SQLiteSessionStore{
		Root:   root,
		Policy: policy.orDefaults(),
		dbPath: filepath.Join(root, "sessions.db"),
	}, nil
}

func (s *SQLiteSessionStore) conn() (*sql.DB, error) {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
		if err != nil {
			s.err = err
			return
		}
		_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS sessions (
				id            TEXT PRIMARY KEY,
				record        TEXT NOT NULL,
				archived      INTEGER NOT NULL DEFAULT 0,
				updated_at_ns INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived, updated_at_ns);
			CREATE TABLE IF NOT EXISTS prompt_history (
				id      INTEGER PRIMARY KEY CHECK (id = 1),
				entries TEXT NOT NULL
			);`)
		if err != nil {
			db.Close()
			s.err = err
			return
		}
		s.db = db
	})
	return s.db, s.err
}

func (s *SQLiteSessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteSessionStore) Create(provider, model string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enforcePolicyLocked(); err != nil {
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
	return sess, s.upsertLocked(sess)
}

func (s *SQLiteSessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *SQLiteSessionStore) getLocked(id string) (*Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var record string
	err = db.QueryRow(`SELECT record FROM sessions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(record), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	normalizeLoadedSession(&sess)
	return &sess, nil
}

func (s *SQLiteSessionStore) Save(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session with empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.getLocked(sess.ID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if prev != nil && prev.Archived {
		return fmt.Errorf("%w: %s", ErrSessionArchived, sess.ID)
	}
	sess.Version = sessionRecordVersion
	sess.UpdatedAt = time.Now()
	return s.upsertLocked(sess)
}

func (s *SQLiteSessionStore) upsertLocked(sess *Session) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	record, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	archived := 0
	if sess.Archived {
		archived = 1
	}
	_, err = db.Exec(`
		INSERT INTO sessions(id, record, archived, updated_at_ns) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			archived = excluded.archived,
			updated_at_ns = excluded.updated_at_ns`,
		sess.ID, string(record), archived, sess.UpdatedAt.UnixNano())
	return err
}

func (s *SQLiteSessionStore) List(includeArchived bool) ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enforcePolicyLocked(); err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	query := `SELECT record FROM sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var summaries []SessionSummary
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(record), &sess); err != nil {
			continue
		}
		normalizeLoadedSession(&sess)
		summaries = append(summaries, sess.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

func (s *SQLiteSessionStore) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setArchivedLocked(id, true)
}

func (s *SQLiteSessionStore) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setArchivedLocked(id, false)
}

func (s *SQLiteSessionStore) setArchivedLocked(id string, archived bool) error {
	sess, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if sess.Archived == archived {
		return nil
	}
	sess.Archived = archived
	if !archived {
		sess.UpdatedAt = time.Now()
	}
	return s.upsertLocked(sess)
}

func (s *SQLiteSessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteSessionStore) SavePromptHistory(entries []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO prompt_history(id, entries) VALUES(1, ?)
		ON CONFLICT(id) DO UPDATE SET entries = excluded.entries`, string(payload))
	return err
}

func (s *SQLiteSessionStore) LoadPromptHistory() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var payload string
	err = db.QueryRow(`SELECT entries FROM prompt_history WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLiteSessionStore) enforcePolicyLocked() error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.Policy.Horizon).UnixNano()
	if _, err := db.Exec(`UPDATE sessions SET archived = 1,
		record = json_set(record, '$.archived', json('true'))
		WHERE archived = 0 AND updated_at_ns < ?`, cutoff); err != nil {
		return err
	}
	var active int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE archived = 0`).Scan(&active); err != nil {
		return err
	}
	if active <= s.Policy.ActiveCap {
		return nil
	}
	_, err = db.Exec(`UPDATE sessions SET archived = 1,
		record = json_set(record, '$.archived', json('true'))
		WHERE id IN (
			SELECT id FROM sessions WHERE archived = 0
			ORDER BY updated_at_ns ASC LIMIT ?
		)`, active-s.Policy.ActiveCap)
	return err
}
