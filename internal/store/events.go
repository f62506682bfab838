package store

import (
	"encoding/json"
	"fmt"
)

// EventKind is the type discriminator persisted with every event.
type EventKind string

const (
	KindNoteCreated     EventKind = "NOTE_CREATED"
	KindNoteUpdated     EventKind = "NOTE_UPDATED"
	KindNoteMetaUpdated EventKind = "NOTE_META_UPDATED"
	KindNoteDeleted     EventKind = "NOTE_DELETED"
	KindNoteTouched     EventKind = "NOTE_TOUCHED"

	// Telemetry kinds. Never projected, kept verbatim through compaction.
	KindAnalysisRequested   EventKind = "ANALYSIS_REQUESTED"
	KindSuggestionApplied   EventKind = "SUGGESTION_APPLIED"
	KindSuggestionDismissed EventKind = "SUGGESTION_DISMISSED"
)

// NoteEvent reports whether k belongs to the projected note-event family.
// Only note events advance the lastEventAt watermark.
func (k EventKind) NoteEvent() bool {
	switch k {
	case KindNoteCreated, KindNoteUpdated, KindNoteMetaUpdated, KindNoteDeleted, KindNoteTouched:
		return true
	}
	return false
}

// TelemetryEvent reports whether k is one of the known telemetry kinds.
func (k EventKind) TelemetryEvent() bool {
	switch k {
	case KindAnalysisRequested, KindSuggestionApplied, KindSuggestionDismissed:
		return true
	}
	return false
}

// Event is the closed sum of everything that may be appended to the log.
// The unexported marker keeps the set sealed so every consumer can switch
// exhaustively over the concrete types.
type Event interface {
	EventID() string
	EventKind() EventKind
	OccurredAt() int64

	sealed()
}

// NoteCreated inserts a full copy of the embedded note into the projection.
type NoteCreated struct {
	ID   string `json:"id"`
	At   int64  `json:"createdAt"`
	Note Note   `json:"note"`
}

// NoteUpdated overwrites a note's content.
type NoteUpdated struct {
	ID      string `json:"id"`
	At      int64  `json:"createdAt"`
	NoteID  string `json:"noteId"`
	Content string `json:"content"`
}

// MetaUpdates is a partial note, excluding content. A nil field means "leave
// unchanged"; for ParentID a pointer to the empty string means "unlink",
// which is distinct from absent.
type MetaUpdates struct {
	Type            *NoteType `json:"type,omitempty"`
	SubType         *string   `json:"subType,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`
	ConfidenceLabel *string   `json:"confidenceLabel,omitempty"`
	AnalysisPending *bool     `json:"analysisPending,omitempty"`
	ParentID        *string   `json:"parentId,omitempty"`
}

// Empty reports whether no field is set.
func (u MetaUpdates) Empty() bool {
	return u.Type == nil && u.SubType == nil && u.Confidence == nil &&
		u.ConfidenceLabel == nil && u.AnalysisPending == nil && u.ParentID == nil
}

// NoteMetaUpdated shallow-merges the set fields of Updates into a note.
type NoteMetaUpdated struct {
	ID      string      `json:"id"`
	At      int64       `json:"createdAt"`
	NoteID  string      `json:"noteId"`
	Updates MetaUpdates `json:"updates"`
}

// NoteTouched bumps only updatedAt. Used to propagate child activity to a
// parent question.
type NoteTouched struct {
	ID     string `json:"id"`
	At     int64  `json:"createdAt"`
	NoteID string `json:"noteId"`
}

// NoteDeleted removes a note from the projection.
type NoteDeleted struct {
	ID     string `json:"id"`
	At     int64  `json:"createdAt"`
	NoteID string `json:"noteId"`
}

// Telemetry is an analytics event with a free-form payload. It carries its
// own kind so the three telemetry kinds share one shape.
type Telemetry struct {
	ID      string         `json:"id"`
	Kind    EventKind      `json:"type"`
	At      int64          `json:"createdAt"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e NoteCreated) EventID() string        { return e.ID }
func (e NoteCreated) EventKind() EventKind   { return KindNoteCreated }
func (e NoteCreated) OccurredAt() int64      { return e.At }
func (e NoteCreated) sealed()                {}
func (e NoteUpdated) EventID() string        { return e.ID }
func (e NoteUpdated) EventKind() EventKind   { return KindNoteUpdated }
func (e NoteUpdated) OccurredAt() int64      { return e.At }
func (e NoteUpdated) sealed()                {}
func (e NoteMetaUpdated) EventID() string    { return e.ID }
func (e NoteMetaUpdated) EventKind() EventKind { return KindNoteMetaUpdated }
func (e NoteMetaUpdated) OccurredAt() int64  { return e.At }
func (e NoteMetaUpdated) sealed()            {}
func (e NoteTouched) EventID() string        { return e.ID }
func (e NoteTouched) EventKind() EventKind   { return KindNoteTouched }
func (e NoteTouched) OccurredAt() int64      { return e.At }
func (e NoteTouched) sealed()                {}
func (e NoteDeleted) EventID() string        { return e.ID }
func (e NoteDeleted) EventKind() EventKind   { return KindNoteDeleted }
func (e NoteDeleted) OccurredAt() int64      { return e.At }
func (e NoteDeleted) sealed()                {}
func (e Telemetry) EventID() string          { return e.ID }
func (e Telemetry) EventKind() EventKind     { return e.Kind }
func (e Telemetry) OccurredAt() int64        { return e.At }
func (e Telemetry) sealed()                  {}

// EventRecord is the row form of an event: the id, kind and timestamp live in
// columns, everything event-specific lives in the JSON payload. Export,
// import and compaction move records around without decoding them.
type EventRecord struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"type"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type noteCreatedPayload struct {
	Note Note `json:"note"`
}

type noteUpdatedPayload struct {
	NoteID  string `json:"noteId"`
	Content string `json:"content"`
}

type noteMetaUpdatedPayload struct {
	NoteID  string      `json:"noteId"`
	Updates MetaUpdates `json:"updates"`
}

type noteRefPayload struct {
	NoteID string `json:"noteId"`
}

// EncodeEvent converts an event to its row form.
func EncodeEvent(ev Event) (EventRecord, error) {
	rec := EventRecord{ID: ev.EventID(), Kind: ev.EventKind(), CreatedAt: ev.OccurredAt()}

	var body any
	switch e := ev.(type) {
	case NoteCreated:
		body = noteCreatedPayload{Note: e.Note}
	case NoteUpdated:
		body = noteUpdatedPayload{NoteID: e.NoteID, Content: e.Content}
	case NoteMetaUpdated:
		body = noteMetaUpdatedPayload{NoteID: e.NoteID, Updates: e.Updates}
	case NoteTouched:
		body = noteRefPayload{NoteID: e.NoteID}
	case NoteDeleted:
		body = noteRefPayload{NoteID: e.NoteID}
	case Telemetry:
		if e.Payload == nil {
			return rec, nil
		}
		body = e.Payload
	default:
		return EventRecord{}, fmt.Errorf("encode event: unknown type %T", ev)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode %s payload: %w", rec.Kind, err)
	}
	rec.Payload = payload
	return rec, nil
}

// Decode converts a row back to its event form.
func (r EventRecord) Decode() (Event, error) {
	switch r.Kind {
	case KindNoteCreated:
		var p noteCreatedPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
		}
		return NoteCreated{ID: r.ID, At: r.CreatedAt, Note: p.Note}, nil
	case KindNoteUpdated:
		var p noteUpdatedPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
		}
		return NoteUpdated{ID: r.ID, At: r.CreatedAt, NoteID: p.NoteID, Content: p.Content}, nil
	case KindNoteMetaUpdated:
		var p noteMetaUpdatedPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
		}
		return NoteMetaUpdated{ID: r.ID, At: r.CreatedAt, NoteID: p.NoteID, Updates: p.Updates}, nil
	case KindNoteTouched:
		var p noteRefPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
		}
		return NoteTouched{ID: r.ID, At: r.CreatedAt, NoteID: p.NoteID}, nil
	case KindNoteDeleted:
		var p noteRefPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
		}
		return NoteDeleted{ID: r.ID, At: r.CreatedAt, NoteID: p.NoteID}, nil
	case KindAnalysisRequested, KindSuggestionApplied, KindSuggestionDismissed:
		var p map[string]any
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
			}
		}
		return Telemetry{ID: r.ID, Kind: r.Kind, At: r.CreatedAt, Payload: p}, nil
	}
	return nil, fmt.Errorf("decode event %s: unknown kind %q", r.ID, r.Kind)
}
