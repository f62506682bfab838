// Package store provides SQLite-backed persistence for the cognitive space
// core: the append-only event log, the materialized note projection, and the
// meta watermarks that tie the two together.
package store

// NoteType is the closed classification tag set for notes.
type NoteType string

const (
	TypeQuestion      NoteType = "question"
	TypeClaim         NoteType = "claim"
	TypeEvidence      NoteType = "evidence"
	TypeTrigger       NoteType = "trigger"
	TypeUncategorized NoteType = "uncategorized"
)

// Valid reports whether t is one of the known classification tags.
func (t NoteType) Valid() bool {
	switch t {
	case TypeQuestion, TypeClaim, TypeEvidence, TypeTrigger, TypeUncategorized:
		return true
	}
	return false
}

// Note is the sole aggregate. A note with type "question" and no parent is a
// top-level gravity center; any other note may link to one parent question.
type Note struct {
	ID              string   `json:"id"`
	Content         string   `json:"content"`
	Type            NoteType `json:"type"`
	SubType         string   `json:"subType,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	ConfidenceLabel string   `json:"confidenceLabel,omitempty"`
	AnalysisPending bool     `json:"analysisPending,omitempty"`
	ParentID        string   `json:"parentId,omitempty"`
	CreatedAt       int64    `json:"createdAt"`
	UpdatedAt       int64    `json:"updatedAt"`
}

// Clone returns a copy. Events embed notes by value, so callers that hand a
// note to the log must not keep mutating the original.
func (n *Note) Clone() *Note {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// Meta watermark and marker names. Values are UnixMilli timestamps.
//
// The projection is stale exactly when lastProjectionAt < lastEventAt.
// lastEventAt tracks note events only; telemetry never moves it.
const (
	MetaLastEventAt      = "lastEventAt"
	MetaLastProjectionAt = "lastProjectionAt"
	MetaCompactedAt      = "compactedAt"
)
