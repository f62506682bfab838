package store

import (
	"fmt"

	"github.com/google/uuid"
)

// EnsureBootstrap seeds the event log on the first run after introducing
// event sourcing on top of a prior non-sourced store: if no lastEventAt
// watermark exists but live notes do, it synthesizes one NOTE_CREATED event
// per note using the note's updatedAt as the synthetic timestamp, and sets
// both watermarks to the max of those. Idempotent: once lastEventAt is set
// (even to zero) this is a no-op.
func (s *SQLiteStore) EnsureBootstrap() error {
	_, ok, err := s.Meta(MetaLastEventAt)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	notes, err := s.ListNotes()
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

	var maxAt int64
	for _, n := range notes {
		ev := NoteCreated{ID: uuid.NewString(), At: n.UpdatedAt, Note: *n}
		rec, err := EncodeEvent(ev)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := insertEventTx(tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("bootstrap event for %s: %w", n.ID, err)
		}
		if n.UpdatedAt > maxAt {
			maxAt = n.UpdatedAt
		}
	}

	if err := setMetaTx(tx, MetaLastEventAt, maxAt); err != nil {
		tx.Rollback()
		return err
	}
	if err := setMetaTx(tx, MetaLastProjectionAt, maxAt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
