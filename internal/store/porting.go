package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Snapshot reads the full store state for export: live notes, the raw event
// log in replay order, and every meta watermark/marker.
func (s *SQLiteStore) Snapshot() ([]*Note, []EventRecord, map[string]int64, error) {
	notes, err := s.ListNotes()
	if err != nil {
		return nil, nil, nil, err
	}
	records, err := s.EventRecords()
	if err != nil {
		return nil, nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, nil, nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT name, value FROM meta")
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	meta := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, nil, nil, err
		}
		meta[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}
	return notes, records, meta, nil
}

// ImportReplace wipes all three stores and loads the payload verbatim, in a
// single transaction. Validation happens at the exchange boundary before this
// is called; a failure here rolls everything back.
func (s *SQLiteStore) ImportReplace(notes []*Note, records []EventRecord, meta map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, table := range []string{"notes", "events", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, n := range notes {
		if err := upsertNoteTx(tx, n); err != nil {
			tx.Rollback()
			return fmt.Errorf("import note %s: %w", n.ID, err)
		}
	}
	for _, rec := range records {
		if err := insertEventTx(tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("import event %s: %w", rec.ID, err)
		}
	}
	for name, value := range meta {
		if err := setMetaTx(tx, name, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("import meta %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// ImportMerge folds the payload into the existing state, in a single
// transaction: an existing note survives when its updatedAt is >= the
// incoming one; events are deduplicated by id; each watermark becomes the max
// of existing and incoming.
func (s *SQLiteStore) ImportMerge(notes []*Note, records []EventRecord, meta map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	for _, n := range notes {
		var existingAt int64
		err := tx.QueryRow("SELECT updated_at FROM notes WHERE id = ?", n.ID).Scan(&existingAt)
		switch {
		case err == nil:
			if existingAt >= n.UpdatedAt {
				continue
			}
		case !errors.Is(err, sql.ErrNoRows):
			tx.Rollback()
			return fmt.Errorf("merge note %s: %w", n.ID, err)
		}
		if err := upsertNoteTx(tx, n); err != nil {
			tx.Rollback()
			return fmt.Errorf("merge note %s: %w", n.ID, err)
		}
	}

	for _, rec := range records {
		payload := ""
		if len(rec.Payload) > 0 {
			payload = string(rec.Payload)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO events (id, kind, created_at, payload)
			VALUES (?, ?, ?, ?)
		`, rec.ID, string(rec.Kind), rec.CreatedAt, payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("merge event %s: %w", rec.ID, err)
		}
	}

	for name, value := range meta {
		existing, err := metaTx(tx, name)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("merge meta %s: %w", name, err)
		}
		if value > existing {
			if err := setMetaTx(tx, name, value); err != nil {
				tx.Rollback()
				return fmt.Errorf("merge meta %s: %w", name, err)
			}
		}
	}

	return tx.Commit()
}
