// Package exchange implements the export/import boundary format: a JSON
// document carrying the live notes, the raw event log and the meta
// watermarks. Malformed payloads are rejected wholesale before any write.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
)

// Version of the boundary format.
const Version = 1

// ErrInvalidPayload wraps every validation failure so callers can branch on
// "bad input" versus "storage broke".
var ErrInvalidPayload = errors.New("exchange: invalid payload")

// Mode selects how an import lands on existing data.
type Mode string

const (
	// ModeReplace wipes the store and loads the payload verbatim.
	ModeReplace Mode = "replace"
	// ModeMerge keeps existing notes whose updatedAt is >= the incoming
	// one, dedupes events by id, and takes the max of each watermark.
	ModeMerge Mode = "merge"
)

// Document is the boundary shape.
type Document struct {
	Version    int                 `json:"version"`
	ExportedAt int64               `json:"exportedAt"`
	Notes      []*store.Note       `json:"notes"`
	Events     []store.EventRecord `json:"events"`
	Meta       map[string]int64    `json:"meta"`
}

// Export serializes the full store state.
func Export(s *store.SQLiteStore) ([]byte, error) {
	notes, records, meta, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	doc := Document{
		Version:    Version,
		ExportedAt: time.Now().UnixMilli(),
		Notes:      notes,
		Events:     records,
		Meta:       meta,
	}
	return json.Marshal(doc)
}

// Import validates the payload and loads it in the requested mode. Nothing is
// written unless the whole document is well formed.
func Import(s *store.SQLiteStore, data []byte, mode Mode) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := Validate(&doc); err != nil {
		return err
	}

	switch mode {
	case ModeReplace:
		return s.ImportReplace(doc.Notes, doc.Events, doc.Meta)
	case ModeMerge:
		return s.ImportMerge(doc.Notes, doc.Events, doc.Meta)
	}
	return fmt.Errorf("%w: unknown import mode %q", ErrInvalidPayload, mode)
}

// Validate checks every invariant the import relies on and names the first
// one that fails. It never touches the store.
func Validate(doc *Document) error {
	if doc.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, doc.Version)
	}

	noteIDs := make(map[string]bool, len(doc.Notes))
	for _, n := range doc.Notes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: note with missing id", ErrInvalidPayload)
		}
		if noteIDs[n.ID] {
			return fmt.Errorf("%w: duplicate note id %s", ErrInvalidPayload, n.ID)
		}
		noteIDs[n.ID] = true
		if !n.Type.Valid() {
			return fmt.Errorf("%w: note %s has unknown type %q", ErrInvalidPayload, n.ID, n.Type)
		}
		if n.CreatedAt == 0 || n.UpdatedAt == 0 {
			return fmt.Errorf("%w: note %s has missing timestamps", ErrInvalidPayload, n.ID)
		}
		if n.ParentID == n.ID {
			return fmt.Errorf("%w: note %s is its own parent", ErrInvalidPayload, n.ID)
		}
	}

	eventIDs := make(map[string]bool, len(doc.Events))
	for _, rec := range doc.Events {
		if rec.ID == "" {
			return fmt.Errorf("%w: event with missing id", ErrInvalidPayload)
		}
		if eventIDs[rec.ID] {
			return fmt.Errorf("%w: duplicate event id %s", ErrInvalidPayload, rec.ID)
		}
		eventIDs[rec.ID] = true
		if _, err := rec.Decode(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	return nil
}
