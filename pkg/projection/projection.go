// Package projection folds an ordered event sequence into the current map of
// live notes. The fold is pure and replay-order-sensitive: for a given id the
// last event in sequence order wins, never the one with the later timestamp.
// Compaction depends on that exact behavior.
package projection

import (
	"sort"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
)

// Apply mutates state in place with the effect of a single event.
//
// Creates insert a full copy keyed by id, so re-applying the same creation is
// idempotent. Updates, meta updates and touches are no-ops when the id is
// absent (the note was deleted later in real time but earlier in the log).
// Telemetry never reaches the projection.
func Apply(state map[string]*store.Note, ev store.Event) {
	switch e := ev.(type) {
	case store.NoteCreated:
		n := e.Note
		state[n.ID] = &n
	case store.NoteUpdated:
		n, ok := state[e.NoteID]
		if !ok {
			return
		}
		n.Content = e.Content
		n.UpdatedAt = e.At
	case store.NoteMetaUpdated:
		n, ok := state[e.NoteID]
		if !ok {
			return
		}
		Merge(n, e.Updates)
		n.UpdatedAt = e.At
	case store.NoteTouched:
		n, ok := state[e.NoteID]
		if !ok {
			return
		}
		n.UpdatedAt = e.At
	case store.NoteDeleted:
		delete(state, e.NoteID)
	case store.Telemetry:
		// no-op
	}
}

// Merge applies only the fields explicitly present in u. Absent means "leave
// unchanged"; a pointer to the zero value is an explicit overwrite (for
// ParentID, an explicit unlink). The write path shares this merge so the
// direct projection mutation and a later replay agree.
func Merge(n *store.Note, u store.MetaUpdates) {
	if u.Type != nil {
		n.Type = *u.Type
	}
	if u.SubType != nil {
		n.SubType = *u.SubType
	}
	if u.Confidence != nil {
		n.Confidence = *u.Confidence
	}
	if u.ConfidenceLabel != nil {
		n.ConfidenceLabel = *u.ConfidenceLabel
	}
	if u.AnalysisPending != nil {
		n.AnalysisPending = *u.AnalysisPending
	}
	if u.ParentID != nil {
		n.ParentID = *u.ParentID
	}
}

// Project folds Apply over the sequence starting from an empty map and
// returns the surviving notes ordered by createdAt then id.
func Project(events []store.Event) []*store.Note {
	state := make(map[string]*store.Note)
	for _, ev := range events {
		Apply(state, ev)
	}

	notes := make([]*store.Note, 0, len(state))
	for _, n := range state {
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt != notes[j].CreatedAt {
			return notes[i].CreatedAt < notes[j].CreatedAt
		}
		return notes[i].ID < notes[j].ID
	})
	return notes
}
