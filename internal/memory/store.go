package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the memory database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL,
		bead_id          TEXT DEFAULT '',
		epic_id          TEXT DEFAULT '',
		session_id       TEXT DEFAULT '',
		chat_id          TEXT DEFAULT '',
		kind             TEXT NOT NULL,
		title            TEXT NOT NULL,
		content          TEXT DEFAULT '',
		data             TEXT DEFAULT '',
		relevance_score  REAL NOT NULL DEFAULT 1.0,
		expires_at       DATETIME,
		deleted_at       DATETIME,
		created_at       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memory_project    ON memory_entries(project_id);
	CREATE INDEX IF NOT EXISTS idx_memory_bead       ON memory_entries(bead_id) WHERE bead_id != '';
	CREATE INDEX IF NOT EXISTS idx_memory_epic       ON memory_entries(epic_id) WHERE epic_id != '';
	CREATE INDEX IF NOT EXISTS idx_memory_constraint ON memory_entries(project_id) WHERE kind = 'constraint';
	CREATE INDEX IF NOT EXISTS idx_memory_created    ON memory_entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_memory_expires    ON memory_entries(expires_at) WHERE expires_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_memory_session    ON memory_entries(session_id, chat_id) WHERE session_id != '';
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Append inserts a new entry. The ID, creation time, default relevance
// score, and kind-based expiry are filled in when unset. Constraints
// never receive an expiry.
func (s *Store) Append(e *Entry) error {
	if e.ProjectID == "" {
		return fmt.Errorf("append entry: project id is required")
	}
	if !ValidKinds[e.Kind] {
		return fmt.Errorf("append entry: invalid kind %q", e.Kind)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.RelevanceScore == 0 {
		e.RelevanceScore = 1.0
	}
	if e.Kind == KindConstraint {
		e.ExpiresAt = nil
	} else if e.ExpiresAt == nil {
		e.ExpiresAt = DefaultExpiry(e.Kind, e.CreatedAt)
	}

	_, err := s.db.Exec(
		`INSERT INTO memory_entries
		 (id, project_id, bead_id, epic_id, session_id, chat_id, kind, title, content, data, relevance_score, expires_at, deleted_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		e.ID, e.ProjectID, e.BeadID, e.EpicID, e.SessionID, e.ChatID,
		string(e.Kind), e.Title, e.Content, e.Data, e.RelevanceScore, e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

const entryColumns = `id, project_id, bead_id, epic_id, session_id, chat_id, kind, title, content, data, relevance_score, expires_at, deleted_at, created_at`

// Get returns a single entry by id, including soft-deleted ones.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM memory_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// AdjustScore sets an entry's relevance score, clamped to [0, 1].
// This is one of the few permitted mutations on an entry.
func (s *Store) AdjustScore(id string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	res, err := s.db.Exec(`UPDATE memory_entries SET relevance_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("adjust score: %w", err)
	}
	return requireRow(res, id)
}

// SoftDelete marks an entry deleted without removing it. Idempotent:
// re-deleting keeps the original deletion time.
func (s *Store) SoftDelete(id string) error {
	res, err := s.db.Exec(
		`UPDATE memory_entries SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either unknown or already deleted; only the former is an error.
		if _, err := s.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// AppendTracking merges audit metadata into the entry's opaque data
// payload. Existing keys are preserved; content and scope stay intact.
func (s *Store) AppendTracking(id string, meta map[string]any) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}

	merged := make(map[string]any)
	if e.Data != "" {
		if err := json.Unmarshal([]byte(e.Data), &merged); err != nil {
			// Opaque non-object payloads are preserved under a reserved key.
			merged["_data"] = e.Data
		}
	}
	var track []any
	if raw, ok := merged["_tracking"].([]any); ok {
		track = raw
	}
	meta["at"] = s.now().Format(time.RFC3339)
	track = append(track, meta)
	merged["_tracking"] = track

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}

	res, err := s.db.Exec(`UPDATE memory_entries SET data = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("append tracking: %w", err)
	}
	return requireRow(res, id)
}

// activeCond filters to visible rows: not deleted, and either without
// an expiry, a constraint, or not yet past its expiry.
const activeCond = `deleted_at IS NULL AND (expires_at IS NULL OR kind = 'constraint' OR expires_at > ?)`

// Retrieve runs the hierarchical scoped query and returns the four
// buckets, each independently limited.
func (s *Store) Retrieve(q Query) (*QueryResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	now := s.now()
	result := &QueryResult{}
	var err error

	if q.BeadID != "" {
		result.BeadScoped, err = s.queryEntries(
			`SELECT `+entryColumns+` FROM memory_entries
			 WHERE project_id = ? AND bead_id = ? AND `+activeCond+kindCond(q.Kind)+`
			 ORDER BY created_at DESC LIMIT ?`,
			kindArgs(q.Kind, q.ProjectID, q.BeadID, now, q.Limit)...,
		)
		if err != nil {
			return nil, err
		}
	}

	if q.EpicID != "" {
		result.EpicScoped, err = s.queryEntries(
			`SELECT `+entryColumns+` FROM memory_entries
			 WHERE project_id = ? AND epic_id = ? AND bead_id = '' AND `+activeCond+kindCond(q.Kind)+`
			 ORDER BY created_at DESC LIMIT ?`,
			kindArgs(q.Kind, q.ProjectID, q.EpicID, now, q.Limit)...,
		)
		if err != nil {
			return nil, err
		}
	}

	result.ProjectConstraints, err = s.queryEntries(
		`SELECT `+entryColumns+` FROM memory_entries
		 WHERE project_id = ? AND bead_id = '' AND epic_id = '' AND kind = 'constraint' AND `+activeCond+`
		 ORDER BY created_at DESC LIMIT ?`,
		q.ProjectID, now, q.Limit,
	)
	if err != nil {
		return nil, err
	}

	// Cross-cutting safety net: hard rules are never dropped by scoping.
	result.ActiveConstraints, err = s.queryEntries(
		`SELECT `+entryColumns+` FROM memory_entries
		 WHERE project_id = ? AND kind = 'constraint' AND `+activeCond+`
		 ORDER BY created_at DESC LIMIT ?`,
		q.ProjectID, now, q.Limit,
	)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// List returns all active entries for a project, newest first.
func (s *Store) List(projectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEntries(
		`SELECT `+entryColumns+` FROM memory_entries
		 WHERE project_id = ? AND `+activeCond+`
		 ORDER BY created_at DESC LIMIT ?`,
		projectID, s.now(), limit,
	)
}

// Sweep soft-deletes expired entries, then hard-purges entries that
// have been soft-deleted longer than the retention window. This is the
// administrative path — normal operation only ever soft-deletes.
func (s *Store) Sweep(retention time.Duration) (expired, purged int64, err error) {
	now := s.now()

	res, err := s.db.Exec(
		`UPDATE memory_entries SET deleted_at = ?
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND kind != 'constraint' AND expires_at <= ?`,
		now, now,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep expire: %w", err)
	}
	expired, _ = res.RowsAffected()

	res, err = s.db.Exec(
		`DELETE FROM memory_entries WHERE deleted_at IS NOT NULL AND deleted_at <= ?`,
		now.Add(-retention),
	)
	if err != nil {
		return expired, 0, fmt.Errorf("sweep purge: %w", err)
	}
	purged, _ = res.RowsAffected()

	return expired, purged, nil
}

// queryEntries is a shared helper for entry-list queries.
func (s *Store) queryEntries(query string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// kindCond appends an optional kind filter to a WHERE clause.
func kindCond(kind Kind) string {
	if kind == "" {
		return ""
	}
	return ` AND kind = ?`
}

// kindArgs builds the arg list for a scoped bucket query, appending
// the kind filter argument when one is set.
func kindArgs(kind Kind, projectID, scopeID string, now time.Time, limit int) []any {
	args := []any{projectID, scopeID, now}
	if kind != "" {
		args = append(args, string(kind))
	}
	return append(args, limit)
}

func requireRow(res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entry %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var kind string
	var expiresAt, deletedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.BeadID, &e.EpicID, &e.SessionID, &e.ChatID,
		&kind, &e.Title, &e.Content, &e.Data, &e.RelevanceScore, &expiresAt, &deletedAt, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = Kind(kind)
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	return &e, nil
}

func scanEntryRows(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var kind string
	var expiresAt, deletedAt sql.NullTime
	err := rows.Scan(
		&e.ID, &e.ProjectID, &e.BeadID, &e.EpicID, &e.SessionID, &e.ChatID,
		&kind, &e.Title, &e.Content, &e.Data, &e.RelevanceScore, &expiresAt, &deletedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = Kind(kind)
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	return &e, nil
}
