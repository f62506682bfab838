package projection

import (
	"testing"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
)

func created(id string, at int64, t store.NoteType) store.NoteCreated {
	return store.NoteCreated{ID: "ev-" + id, At: at, Note: store.Note{
		ID: id, Content: id, Type: t, CreatedAt: at, UpdatedAt: at,
	}}
}

func TestSequenceOrderWinsOverTimestamp(t *testing.T) {
	// Two content updates where the later array entry carries the earlier
	// timestamp. Replay order, not wall clock, decides the survivor.
	events := []store.Event{
		created("n1", 100, store.TypeClaim),
		store.NoteUpdated{ID: "e2", At: 300, NoteID: "n1", Content: "newer clock"},
		store.NoteUpdated{ID: "e3", At: 200, NoteID: "n1", Content: "later in sequence"},
	}

	notes := Project(events)
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if notes[0].Content != "later in sequence" {
		t.Fatalf("Content = %q, want the last event in sequence order", notes[0].Content)
	}
}

func TestDeleteEndsAbsent(t *testing.T) {
	events := []store.Event{
		created("n1", 100, store.TypeClaim),
		store.NoteDeleted{ID: "e2", At: 200, NoteID: "n1"},
		store.NoteUpdated{ID: "e3", At: 300, NoteID: "n1", Content: "ghost write"},
		store.NoteTouched{ID: "e4", At: 400, NoteID: "n1"},
	}

	if notes := Project(events); len(notes) != 0 {
		t.Fatalf("deleted note resurrected: %+v", notes)
	}
}

func TestCreateIsIdempotentByID(t *testing.T) {
	ev := created("n1", 100, store.TypeQuestion)
	state := make(map[string]*store.Note)
	Apply(state, ev)
	Apply(state, ev)

	if len(state) != 1 {
		t.Fatalf("got %d notes, want 1", len(state))
	}
}

func TestCreateEmbedsCopyNotAlias(t *testing.T) {
	ev := created("n1", 100, store.TypeQuestion)
	state := make(map[string]*store.Note)
	Apply(state, ev)

	ev.Note.Content = "mutated after apply"
	if state["n1"].Content == "mutated after apply" {
		t.Fatal("projection aliases the event's note")
	}
}

func TestMetaMergeAbsentVersusExplicitZero(t *testing.T) {
	state := make(map[string]*store.Note)
	Apply(state, store.NoteCreated{ID: "e1", At: 100, Note: store.Note{
		ID: "n1", Type: store.TypeClaim, SubType: "hunch", Confidence: 0.5,
		ParentID: "q1", CreatedAt: 100, UpdatedAt: 100,
	}})

	// Absent fields survive the merge untouched.
	conf := 0.8
	Apply(state, store.NoteMetaUpdated{ID: "e2", At: 200, NoteID: "n1",
		Updates: store.MetaUpdates{Confidence: &conf}})
	n := state["n1"]
	if n.SubType != "hunch" || n.ParentID != "q1" {
		t.Fatalf("absent fields clobbered: %+v", n)
	}
	if n.Confidence != 0.8 || n.UpdatedAt != 200 {
		t.Fatalf("set field not applied: %+v", n)
	}

	// An explicit empty-string pointer is an overwrite.
	unlink := ""
	Apply(state, store.NoteMetaUpdated{ID: "e3", At: 300, NoteID: "n1",
		Updates: store.MetaUpdates{ParentID: &unlink}})
	if state["n1"].ParentID != "" {
		t.Fatalf("explicit unlink ignored: %+v", state["n1"])
	}
}

func TestTouchedBumpsOnlyUpdatedAt(t *testing.T) {
	state := make(map[string]*store.Note)
	Apply(state, created("n1", 100, store.TypeQuestion))
	Apply(state, store.NoteTouched{ID: "e2", At: 900, NoteID: "n1"})

	n := state["n1"]
	if n.UpdatedAt != 900 {
		t.Fatalf("UpdatedAt = %d, want 900", n.UpdatedAt)
	}
	if n.CreatedAt != 100 || n.Content != "n1" {
		t.Fatalf("touch changed more than the timestamp: %+v", n)
	}
}

func TestTelemetryNeverReachesProjection(t *testing.T) {
	events := []store.Event{
		created("n1", 100, store.TypeClaim),
		store.Telemetry{ID: "t1", Kind: store.KindAnalysisRequested, At: 200,
			Payload: map[string]any{"noteId": "n1"}},
	}
	notes := Project(events)
	if len(notes) != 1 || notes[0].UpdatedAt != 100 {
		t.Fatalf("telemetry leaked into the projection: %+v", notes)
	}
}

func TestProjectOrdersByCreatedAtThenID(t *testing.T) {
	events := []store.Event{
		created("b", 200, store.TypeClaim),
		created("a", 200, store.TypeClaim),
		created("c", 100, store.TypeClaim),
	}
	notes := Project(events)
	got := []string{notes[0].ID, notes[1].ID, notes[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestProjectIsDeterministic(t *testing.T) {
	unlink := ""
	claim := store.TypeClaim
	events := []store.Event{
		created("q1", 100, store.TypeQuestion),
		created("n1", 200, store.TypeUncategorized),
		store.NoteMetaUpdated{ID: "e3", At: 300, NoteID: "n1",
			Updates: store.MetaUpdates{Type: &claim}},
		created("n2", 400, store.TypeEvidence),
		store.NoteDeleted{ID: "e5", At: 500, NoteID: "n2"},
		store.NoteMetaUpdated{ID: "e6", At: 600, NoteID: "n1",
			Updates: store.MetaUpdates{ParentID: &unlink}},
	}

	first := Project(events)
	second := Project(events)
	if len(first) != len(second) {
		t.Fatalf("fold is not deterministic: %d vs %d notes", len(first), len(second))
	}
	for i := range first {
		if *first[i] != *second[i] {
			t.Fatalf("fold is not deterministic at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
