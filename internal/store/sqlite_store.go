package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: closed")

// schemaVersion is stamped into PRAGMA user_version on first open.
const schemaVersion = 1

// schema defines the three logical stores: the projection (notes), the
// append-only log (events) and the watermark area (meta).
const schema = `
-- Materialized projection of live notes. Derived cache, never the source
-- of truth: it can be rebuilt from the events table at any time.
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    note_type TEXT NOT NULL,
    sub_type TEXT,
    confidence REAL,
    confidence_label TEXT,
    analysis_pending INTEGER DEFAULT 0,
    parent_id TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_type ON notes(note_type);
CREATE INDEX IF NOT EXISTS idx_notes_parent ON notes(parent_id);
CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at);

-- Append-only event log. Rows are immutable once committed; replay order is
-- created_at with rowid as the insertion-order tiebreak.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

-- Named numeric watermarks and one-shot markers.
CREATE TABLE IF NOT EXISTS meta (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// SQLiteStore is the SQLite-backed data store. Safe for concurrent use from
// the interactive context and the background rebuild context; every write
// method runs inside a single transaction.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (or creates) the store at the given data source name.
// Use ":memory:" for an in-memory store or a file path for persistence.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		db.Close()
		return nil, fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("stamp schema version: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// =============================================================================
// Meta watermarks
// =============================================================================

// Meta reads a named watermark. ok is false when the name was never set.
func (s *SQLiteStore) Meta(name string) (value int64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, false, ErrClosed
	}

	err = s.db.QueryRow("SELECT value FROM meta WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// Watermarks returns lastEventAt and lastProjectionAt, zero when unset.
func (s *SQLiteStore) Watermarks() (eventAt, projectionAt int64, err error) {
	eventAt, _, err = s.Meta(MetaLastEventAt)
	if err != nil {
		return 0, 0, err
	}
	projectionAt, _, err = s.Meta(MetaLastProjectionAt)
	if err != nil {
		return 0, 0, err
	}
	return eventAt, projectionAt, nil
}

// Stale reports whether the projection lags the event log.
func (s *SQLiteStore) Stale() (bool, error) {
	eventAt, projectionAt, err := s.Watermarks()
	if err != nil {
		return false, err
	}
	return projectionAt < eventAt, nil
}

func setMetaTx(tx *sql.Tx, name string, value int64) error {
	_, err := tx.Exec(`
		INSERT INTO meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	return err
}

// =============================================================================
// Event log
// =============================================================================

func insertEventTx(tx *sql.Tx, rec EventRecord) error {
	payload := sql.NullString{}
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO events (id, kind, created_at, payload) VALUES (?, ?, ?, ?)
	`, rec.ID, string(rec.Kind), rec.CreatedAt, payload)
	return err
}

// AppendTelemetry appends a telemetry event. Telemetry is never projected and
// does not advance lastEventAt, so it cannot make the projection stale.
func (s *SQLiteStore) AppendTelemetry(ev Telemetry) error {
	rec, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := insertEventTx(tx, rec); err != nil {
		tx.Rollback()
		return fmt.Errorf("append telemetry: %w", err)
	}
	return tx.Commit()
}

// EventRecords returns every event in replay order.
func (s *SQLiteStore) EventRecords() ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return eventRecordsLocked(s.db)
}

func eventRecordsLocked(db *sql.DB) ([]EventRecord, error) {
	rows, err := db.Query(`
		SELECT id, kind, created_at, payload FROM events
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var kind string
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &kind, &rec.CreatedAt, &payload); err != nil {
			return nil, err
		}
		rec.Kind = EventKind(kind)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Events returns every event decoded, in replay order.
func (s *SQLiteStore) Events() ([]Event, error) {
	records, err := s.EventRecords()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		ev, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// CountEvents returns the total number of events in the log.
func (s *SQLiteStore) CountEvents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}

// =============================================================================
// Write path: append + project in one transaction
// =============================================================================

// ApplyEvents appends the given events and applies each one to the projection
// rows inside a single transaction, then advances both watermarks to the max
// note-event timestamp. This is the normal write path: because both
// watermarks move together the projection never observes STALE from an
// ordinary write.
func (s *SQLiteStore) ApplyEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	var maxAt int64
	for _, ev := range events {
		rec, err := EncodeEvent(ev)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := insertEventTx(tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("append %s: %w", rec.Kind, err)
		}
		if err := applyEventTx(tx, ev); err != nil {
			tx.Rollback()
			return fmt.Errorf("project %s: %w", rec.Kind, err)
		}
		if rec.Kind.NoteEvent() && rec.CreatedAt > maxAt {
			maxAt = rec.CreatedAt
		}
	}

	if maxAt > 0 {
		eventAt, _ := metaTx(tx, MetaLastEventAt)
		if maxAt > eventAt {
			if err := setMetaTx(tx, MetaLastEventAt, maxAt); err != nil {
				tx.Rollback()
				return err
			}
			if err := setMetaTx(tx, MetaLastProjectionAt, maxAt); err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	return tx.Commit()
}

func metaTx(tx *sql.Tx, name string) (int64, error) {
	var value int64
	err := tx.QueryRow("SELECT value FROM meta WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

// applyEventTx mutates the projection row for one event, mirroring the pure
// fold semantics: creates overwrite by id, updates to absent ids are no-ops,
// meta updates merge only the fields present, deletes remove the row.
func applyEventTx(tx *sql.Tx, ev Event) error {
	switch e := ev.(type) {
	case NoteCreated:
		return upsertNoteTx(tx, &e.Note)
	case NoteUpdated:
		_, err := tx.Exec(`
			UPDATE notes SET content = ?, updated_at = ? WHERE id = ?
		`, e.Content, e.At, e.NoteID)
		return err
	case NoteMetaUpdated:
		return applyMetaUpdatesTx(tx, e.NoteID, e.Updates, e.At)
	case NoteTouched:
		_, err := tx.Exec("UPDATE notes SET updated_at = ? WHERE id = ?", e.At, e.NoteID)
		return err
	case NoteDeleted:
		_, err := tx.Exec("DELETE FROM notes WHERE id = ?", e.NoteID)
		return err
	case Telemetry:
		return nil
	}
	return fmt.Errorf("apply event: unknown type %T", ev)
}

func upsertNoteTx(tx *sql.Tx, n *Note) error {
	_, err := tx.Exec(`
		INSERT INTO notes (id, content, note_type, sub_type, confidence,
			confidence_label, analysis_pending, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			note_type = excluded.note_type,
			sub_type = excluded.sub_type,
			confidence = excluded.confidence,
			confidence_label = excluded.confidence_label,
			analysis_pending = excluded.analysis_pending,
			parent_id = excluded.parent_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, n.ID, n.Content, string(n.Type), nullString(n.SubType), n.Confidence,
		nullString(n.ConfidenceLabel), boolToInt(n.AnalysisPending),
		nullString(n.ParentID), n.CreatedAt, n.UpdatedAt)
	return err
}

func applyMetaUpdatesTx(tx *sql.Tx, noteID string, u MetaUpdates, at int64) error {
	set := []string{"updated_at = ?"}
	args := []any{at}

	if u.Type != nil {
		set = append(set, "note_type = ?")
		args = append(args, string(*u.Type))
	}
	if u.SubType != nil {
		set = append(set, "sub_type = ?")
		args = append(args, nullString(*u.SubType))
	}
	if u.Confidence != nil {
		set = append(set, "confidence = ?")
		args = append(args, *u.Confidence)
	}
	if u.ConfidenceLabel != nil {
		set = append(set, "confidence_label = ?")
		args = append(args, nullString(*u.ConfidenceLabel))
	}
	if u.AnalysisPending != nil {
		set = append(set, "analysis_pending = ?")
		args = append(args, boolToInt(*u.AnalysisPending))
	}
	if u.ParentID != nil {
		set = append(set, "parent_id = ?")
		args = append(args, nullString(*u.ParentID))
	}

	args = append(args, noteID)
	_, err := tx.Exec("UPDATE notes SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	return err
}

// =============================================================================
// Projection reads
// =============================================================================

const noteColumns = `id, content, note_type, sub_type, confidence,
	confidence_label, analysis_pending, parent_id, created_at, updated_at`

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var n Note
	var noteType string
	var subType, confidenceLabel, parentID sql.NullString
	var confidence sql.NullFloat64
	var analysisPending int

	err := row.Scan(&n.ID, &n.Content, &noteType, &subType, &confidence,
		&confidenceLabel, &analysisPending, &parentID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}

	n.Type = NoteType(noteType)
	n.AnalysisPending = analysisPending != 0
	if subType.Valid {
		n.SubType = subType.String
	}
	if confidence.Valid {
		n.Confidence = confidence.Float64
	}
	if confidenceLabel.Valid {
		n.ConfidenceLabel = confidenceLabel.String
	}
	if parentID.Valid {
		n.ParentID = parentID.String
	}
	return &n, nil
}

// GetNote retrieves a note by ID; nil when absent.
func (s *SQLiteStore) GetNote(id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	n, err := scanNote(s.db.QueryRow("SELECT "+noteColumns+" FROM notes WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *SQLiteStore) queryNotes(query string, args ...any) ([]*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListNotes returns all live notes, most recently active first.
func (s *SQLiteStore) ListNotes() ([]*Note, error) {
	return s.queryNotes("SELECT " + noteColumns + " FROM notes ORDER BY updated_at DESC, id")
}

// ListNotesByType returns live notes with the given classification tag.
func (s *SQLiteStore) ListNotesByType(t NoteType) ([]*Note, error) {
	return s.queryNotes("SELECT "+noteColumns+" FROM notes WHERE note_type = ? ORDER BY updated_at DESC, id", string(t))
}

// ListNotesByParent returns the children linked to a parent question.
func (s *SQLiteStore) ListNotesByParent(parentID string) ([]*Note, error) {
	return s.queryNotes("SELECT "+noteColumns+" FROM notes WHERE parent_id = ? ORDER BY updated_at DESC, id", parentID)
}

// CountNotes returns the number of live notes in the projection.
func (s *SQLiteStore) CountNotes() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&count)
	return count, err
}

// =============================================================================
// Rebuild and compaction primitives
// =============================================================================

// ReplaceProjection swaps the entire projection for the folded result,
// writing at most batchSize rows per transaction. Only the final batch's
// transaction advances lastProjectionAt to lastEventAt, so the watermark
// never claims freshness before every row is durable. An empty result clears
// the projection and advances the watermark in one transaction.
func (s *SQLiteStore) ReplaceProjection(notes []*Note, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	for start := 0; ; start += batchSize {
		end := start + batchSize
		if end > len(notes) {
			end = len(notes)
		}
		final := end == len(notes)

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if start == 0 {
			if _, err := tx.Exec("DELETE FROM notes"); err != nil {
				tx.Rollback()
				return fmt.Errorf("clear projection: %w", err)
			}
		}
		for _, n := range notes[start:end] {
			if err := upsertNoteTx(tx, n); err != nil {
				tx.Rollback()
				return fmt.Errorf("write projection row %s: %w", n.ID, err)
			}
		}
		if final {
			eventAt, err := metaTx(tx, MetaLastEventAt)
			if err != nil {
				tx.Rollback()
				return err
			}
			if err := setMetaTx(tx, MetaLastProjectionAt, eventAt); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// SwapLog atomically replaces the whole event log with the given records,
// sets both watermarks to lastAt and stamps the compacted-at marker. Used by
// compaction, which must never change the projected state.
func (s *SQLiteStore) SwapLog(records []EventRecord, lastAt, compactedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM events"); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear log: %w", err)
	}
	for _, rec := range records {
		if err := insertEventTx(tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("rewrite log: %w", err)
		}
	}
	if err := setMetaTx(tx, MetaLastEventAt, lastAt); err != nil {
		tx.Rollback()
		return err
	}
	if err := setMetaTx(tx, MetaLastProjectionAt, lastAt); err != nil {
		tx.Rollback()
		return err
	}
	if err := setMetaTx(tx, MetaCompactedAt, compactedAt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Helpers
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
