// Package notes is the public surface of the persistence core: CRUD and query
// operations over notes, each guarded by a projection freshness check,
// journaled through the event log, and announced on the change bus.
//
// The API never surfaces storage errors to its caller. When the store is
// unavailable, reads return empty results and writes are dropped, with the
// failure logged once per incident; a silently stale view that self-heals is
// better than a crash.
package notes

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/projection"
)

// Freshener is the read-repair guard composed in front of every operation.
// In production this is the rebuild bridge; tests may substitute the
// coordinator directly or a stub.
type Freshener interface {
	EnsureProjection() error
}

// Service implements the note store API over the event-sourced core.
type Service struct {
	store *store.SQLiteStore
	fresh Freshener
	bus   *Bus
	log   *zap.Logger

	now   func() int64
	newID func() string
}

// NewService wires the API over the store and freshness guard. A nil logger
// is replaced with a no-op one.
func NewService(s *store.SQLiteStore, fresh Freshener, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: s,
		fresh: fresh,
		bus:   NewBus(),
		log:   log,
		now:   func() int64 { return time.Now().UnixMilli() },
		newID: uuid.NewString,
	}
}

// Bus returns the change-notification bus for external subscribers.
func (s *Service) Bus() *Bus { return s.bus }

// ensureFresh runs the freshness guard, reporting false (and logging) when
// the projection could not be repaired. Operations degrade to their fallback
// in that case.
func (s *Service) ensureFresh() bool {
	if err := s.fresh.EnsureProjection(); err != nil {
		s.log.Error("projection refresh failed", zap.Error(err))
		return false
	}
	return true
}

// commit appends the events and applies them to the projection in one
// transaction, then publishes the notifications. Returns false when the
// write was dropped.
func (s *Service) commit(events []store.Event, changes []Change) bool {
	if err := s.store.ApplyEvents(events); err != nil {
		s.log.Error("write dropped", zap.Error(err))
		return false
	}
	s.bus.Publish(changes...)
	return true
}

// checkParent validates a requested parent link: the parent must exist, be a
// question, and not be the note itself. Returns the link to actually store
// ("" when the request was invalid).
func (s *Service) checkParent(noteID, parentID string) string {
	if parentID == "" {
		return ""
	}
	if parentID == noteID {
		s.log.Warn("dropping self-parent link", zap.String("id", noteID))
		return ""
	}
	p, err := s.store.GetNote(parentID)
	if err != nil {
		s.log.Error("parent lookup failed", zap.Error(err))
		return ""
	}
	if p == nil || p.Type != store.TypeQuestion {
		s.log.Warn("dropping link to non-question parent",
			zap.String("id", noteID), zap.String("parentId", parentID))
		return ""
	}
	return parentID
}

// CreateInput carries the caller-supplied fields for a new note.
type CreateInput struct {
	Content         string
	Type            store.NoteType
	SubType         string
	Confidence      float64
	ConfidenceLabel string
	AnalysisPending bool
	ParentID        string
}

// Create appends a NOTE_CREATED event and materializes the note. When a
// parent link survives validation, the parent is touched in the same
// transaction. Returns nil when the write was dropped.
func (s *Service) Create(in CreateInput) *store.Note {
	if !s.ensureFresh() {
		return nil
	}

	t := in.Type
	if !t.Valid() {
		t = store.TypeUncategorized
	}

	now := s.now()
	n := &store.Note{
		ID:              s.newID(),
		Content:         in.Content,
		Type:            t,
		SubType:         in.SubType,
		Confidence:      in.Confidence,
		ConfidenceLabel: in.ConfidenceLabel,
		AnalysisPending: in.AnalysisPending,
		ParentID:        s.checkParent("", in.ParentID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	events := []store.Event{store.NoteCreated{ID: s.newID(), At: now, Note: *n}}
	changes := []Change{{ID: n.ID, Kind: ChangeCreated}}
	if n.ParentID != "" {
		events = append(events, store.NoteTouched{ID: s.newID(), At: now, NoteID: n.ParentID})
		changes = append(changes, Change{ID: n.ParentID, Kind: ChangeTouched})
	}

	if !s.commit(events, changes) {
		return nil
	}
	return n
}

// UpdateContent overwrites a note's content, touching its parent in the same
// transaction. Returns the updated note, or nil when the note is absent or
// the write was dropped.
func (s *Service) UpdateContent(id, content string) *store.Note {
	if !s.ensureFresh() {
		return nil
	}
	n, err := s.store.GetNote(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	if n == nil {
		return nil
	}

	now := s.now()
	events := []store.Event{store.NoteUpdated{ID: s.newID(), At: now, NoteID: id, Content: content}}
	changes := []Change{{ID: id, Kind: ChangeUpdated}}
	if n.ParentID != "" {
		events = append(events, store.NoteTouched{ID: s.newID(), At: now, NoteID: n.ParentID})
		changes = append(changes, Change{ID: n.ParentID, Kind: ChangeTouched})
	}

	if !s.commit(events, changes) {
		return nil
	}
	n.Content = content
	n.UpdatedAt = now
	return n
}

// UpdateMeta shallow-merges the set fields of updates into a note. A parent
// link in the updates goes through the same validation as Create; an invalid
// link degrades to an explicit unlink. Returns the updated note, or nil when
// the note is absent or the write was dropped.
func (s *Service) UpdateMeta(id string, updates store.MetaUpdates) *store.Note {
	if !s.ensureFresh() {
		return nil
	}
	n, err := s.store.GetNote(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	if n == nil {
		return nil
	}

	if updates.Type != nil && !updates.Type.Valid() {
		s.log.Warn("dropping unknown note type", zap.String("type", string(*updates.Type)))
		updates.Type = nil
	}
	if updates.ParentID != nil && *updates.ParentID != "" {
		linked := s.checkParent(id, *updates.ParentID)
		updates.ParentID = &linked
	}
	if updates.Empty() {
		return n
	}

	now := s.now()
	events := []store.Event{store.NoteMetaUpdated{ID: s.newID(), At: now, NoteID: id, Updates: updates}}
	changes := []Change{{ID: id, Kind: ChangeMetaUpdated}}

	projection.Merge(n, updates)
	n.UpdatedAt = now
	if n.ParentID != "" {
		events = append(events, store.NoteTouched{ID: s.newID(), At: now, NoteID: n.ParentID})
		changes = append(changes, Change{ID: n.ParentID, Kind: ChangeTouched})
	}

	if !s.commit(events, changes) {
		return nil
	}
	return n
}

// Delete removes a note and cascades to every note linked to it as a parent,
// each child producing its own NOTE_DELETED event and notification, all in
// one transaction. Returns the deleted ids (empty when nothing happened).
func (s *Service) Delete(id string) []string {
	if !s.ensureFresh() {
		return nil
	}
	n, err := s.store.GetNote(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	if n == nil {
		return nil
	}
	children, err := s.store.ListNotesByParent(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}

	now := s.now()
	var events []store.Event
	var changes []Change
	var deleted []string
	for _, child := range children {
		events = append(events, store.NoteDeleted{ID: s.newID(), At: now, NoteID: child.ID})
		changes = append(changes, Change{ID: child.ID, Kind: ChangeDeleted})
		deleted = append(deleted, child.ID)
	}
	events = append(events, store.NoteDeleted{ID: s.newID(), At: now, NoteID: id})
	changes = append(changes, Change{ID: id, Kind: ChangeDeleted})
	deleted = append(deleted, id)
	if n.ParentID != "" {
		events = append(events, store.NoteTouched{ID: s.newID(), At: now, NoteID: n.ParentID})
		changes = append(changes, Change{ID: n.ParentID, Kind: ChangeTouched})
	}

	if !s.commit(events, changes) {
		return nil
	}
	return deleted
}

// DemoteQuestion changes a question's type and unlinks all of its children in
// one pass, one transaction. Returns the demoted note, or nil when the note
// is absent, not a question, or the write was dropped.
func (s *Service) DemoteQuestion(id string, newType store.NoteType) *store.Note {
	if !s.ensureFresh() {
		return nil
	}
	if !newType.Valid() || newType == store.TypeQuestion {
		s.log.Warn("invalid demotion target", zap.String("type", string(newType)))
		return nil
	}
	n, err := s.store.GetNote(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	if n == nil || n.Type != store.TypeQuestion {
		return nil
	}
	children, err := s.store.ListNotesByParent(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}

	now := s.now()
	t := newType
	events := []store.Event{store.NoteMetaUpdated{
		ID: s.newID(), At: now, NoteID: id,
		Updates: store.MetaUpdates{Type: &t},
	}}
	changes := []Change{{ID: id, Kind: ChangeMetaUpdated}}

	unlink := ""
	for _, child := range children {
		events = append(events, store.NoteMetaUpdated{
			ID: s.newID(), At: now, NoteID: child.ID,
			Updates: store.MetaUpdates{ParentID: &unlink},
		})
		changes = append(changes, Change{ID: child.ID, Kind: ChangeMetaUpdated})
	}

	if !s.commit(events, changes) {
		return nil
	}
	n.Type = newType
	n.UpdatedAt = now
	return n
}

// Get returns a note by id; nil when absent or the store is unavailable.
func (s *Service) Get(id string) *store.Note {
	if !s.ensureFresh() {
		return nil
	}
	n, err := s.store.GetNote(id)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	return n
}

// List returns all live notes, most recently active first.
func (s *Service) List() []*store.Note {
	if !s.ensureFresh() {
		return nil
	}
	ns, err := s.store.ListNotes()
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	return ns
}

// ListByType returns the live notes carrying the given classification tag.
func (s *Service) ListByType(t store.NoteType) []*store.Note {
	if !s.ensureFresh() {
		return nil
	}
	ns, err := s.store.ListNotesByType(t)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	return ns
}

// ListByParent returns the children linked to a parent question.
func (s *Service) ListByParent(parentID string) []*store.Note {
	if !s.ensureFresh() {
		return nil
	}
	ns, err := s.store.ListNotesByParent(parentID)
	if err != nil {
		s.log.Error("read failed", zap.Error(err))
		return nil
	}
	return ns
}

// RecordTelemetry appends an analytics event to the log. Telemetry is never
// projected and never makes the projection stale; unknown kinds are dropped.
func (s *Service) RecordTelemetry(kind store.EventKind, payload map[string]any) {
	if !kind.TelemetryEvent() {
		s.log.Warn("dropping unknown telemetry kind", zap.String("kind", string(kind)))
		return
	}
	ev := store.Telemetry{ID: s.newID(), Kind: kind, At: s.now(), Payload: payload}
	if err := s.store.AppendTelemetry(ev); err != nil {
		s.log.Error("telemetry dropped", zap.Error(err))
	}
}
