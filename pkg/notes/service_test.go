package notes

import (
	"fmt"
	"testing"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/rebuild"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	coord := rebuild.NewCoordinator(s, 0, nil)
	svc := NewService(s, coord, nil)

	// Deterministic clock and ids so tests can assert on exact values.
	var tick int64 = 1000
	svc.now = func() int64 {
		tick += 100
		return tick
	}
	var seq int
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
	return svc, s
}

func drain(ch <-chan Change) []Change {
	var out []Change
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)

	n := svc.Create(CreateInput{Content: "why is the sky blue", Type: store.TypeQuestion})
	if n == nil {
		t.Fatal("Create returned nil")
	}
	if n.Type != store.TypeQuestion || n.CreatedAt != n.UpdatedAt {
		t.Fatalf("unexpected note: %+v", n)
	}

	got := svc.Get(n.ID)
	if got == nil || got.Content != "why is the sky blue" {
		t.Fatalf("Get: %+v", got)
	}
}

func TestCreateUnknownTypeFallsBackToUncategorized(t *testing.T) {
	svc, _ := newTestService(t)

	n := svc.Create(CreateInput{Content: "x", Type: "rant"})
	if n == nil {
		t.Fatal("Create returned nil")
	}
	if n.Type != store.TypeUncategorized {
		t.Fatalf("Type = %s, want uncategorized", n.Type)
	}
}

func TestChildActivityTouchesParent(t *testing.T) {
	svc, _ := newTestService(t)
	ch, cancel := svc.Bus().Subscribe()
	defer cancel()

	q := svc.Create(CreateInput{Content: "question", Type: store.TypeQuestion})
	drain(ch)

	child := svc.Create(CreateInput{Content: "claim", Type: store.TypeClaim, ParentID: q.ID})
	if child == nil || child.ParentID != q.ID {
		t.Fatalf("child not linked: %+v", child)
	}

	parent := svc.Get(q.ID)
	if parent.UpdatedAt != child.CreatedAt {
		t.Fatalf("parent.UpdatedAt = %d, want %d", parent.UpdatedAt, child.CreatedAt)
	}

	changes := drain(ch)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want created + touched: %+v", len(changes), changes)
	}
	if changes[0].Kind != ChangeCreated || changes[0].ID != child.ID {
		t.Fatalf("changes[0] = %+v", changes[0])
	}
	if changes[1].Kind != ChangeTouched || changes[1].ID != q.ID {
		t.Fatalf("changes[1] = %+v", changes[1])
	}

	// Updating the child keeps propagating.
	updated := svc.UpdateContent(child.ID, "stronger claim")
	if updated == nil {
		t.Fatal("UpdateContent returned nil")
	}
	parent = svc.Get(q.ID)
	if parent.UpdatedAt != updated.UpdatedAt {
		t.Fatalf("parent.UpdatedAt = %d, want %d", parent.UpdatedAt, updated.UpdatedAt)
	}
}

func TestInvalidParentLinksAreDropped(t *testing.T) {
	svc, _ := newTestService(t)

	claim := svc.Create(CreateInput{Content: "not a question", Type: store.TypeClaim})

	// Parent must exist.
	n := svc.Create(CreateInput{Content: "a", Type: store.TypeEvidence, ParentID: "missing"})
	if n == nil || n.ParentID != "" {
		t.Fatalf("link to missing parent survived: %+v", n)
	}
	// Parent must be a question.
	n = svc.Create(CreateInput{Content: "b", Type: store.TypeEvidence, ParentID: claim.ID})
	if n == nil || n.ParentID != "" {
		t.Fatalf("link to non-question survived: %+v", n)
	}
	// A note cannot parent itself through a meta update.
	self := svc.UpdateMeta(claim.ID, store.MetaUpdates{ParentID: &claim.ID})
	if self == nil || self.ParentID != "" {
		t.Fatalf("self-link survived: %+v", self)
	}
}

func TestUpdateContentAbsentNote(t *testing.T) {
	svc, _ := newTestService(t)
	if n := svc.UpdateContent("ghost", "x"); n != nil {
		t.Fatalf("update of absent note returned %+v", n)
	}
}

func TestUpdateMetaMergesAndUnlinks(t *testing.T) {
	svc, _ := newTestService(t)

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	n := svc.Create(CreateInput{Content: "n", Type: store.TypeUncategorized, SubType: "hunch", ParentID: q.ID})

	claim := store.TypeClaim
	conf := 0.85
	got := svc.UpdateMeta(n.ID, store.MetaUpdates{Type: &claim, Confidence: &conf})
	if got == nil {
		t.Fatal("UpdateMeta returned nil")
	}
	if got.Type != store.TypeClaim || got.Confidence != 0.85 {
		t.Fatalf("updates not applied: %+v", got)
	}
	if got.SubType != "hunch" || got.ParentID != q.ID {
		t.Fatalf("absent fields clobbered: %+v", got)
	}

	unlink := ""
	got = svc.UpdateMeta(n.ID, store.MetaUpdates{ParentID: &unlink})
	if got == nil || got.ParentID != "" {
		t.Fatalf("explicit unlink ignored: %+v", got)
	}

	// An empty update set writes nothing.
	before := svc.Get(n.ID)
	got = svc.UpdateMeta(n.ID, store.MetaUpdates{})
	if got == nil || got.UpdatedAt != before.UpdatedAt {
		t.Fatalf("empty update bumped the note: %+v", got)
	}
}

func TestUpdateMetaUnknownTypeIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	n := svc.Create(CreateInput{Content: "n", Type: store.TypeClaim})

	bad := store.NoteType("rant")
	got := svc.UpdateMeta(n.ID, store.MetaUpdates{Type: &bad})
	if got == nil || got.Type != store.TypeClaim {
		t.Fatalf("unknown type applied: %+v", got)
	}
}

func TestDeleteCascades(t *testing.T) {
	svc, s := newTestService(t)
	ch, cancel := svc.Bus().Subscribe()
	defer cancel()

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	c1 := svc.Create(CreateInput{Content: "c1", Type: store.TypeClaim, ParentID: q.ID})
	c2 := svc.Create(CreateInput{Content: "c2", Type: store.TypeEvidence, ParentID: q.ID})
	drain(ch)

	deleted := svc.Delete(q.ID)
	if len(deleted) != 3 {
		t.Fatalf("deleted %v, want the question and both children", deleted)
	}
	for _, id := range []string{q.ID, c1.ID, c2.ID} {
		if svc.Get(id) != nil {
			t.Fatalf("note %s survived the cascade", id)
		}
	}

	changes := drain(ch)
	var dels int
	for _, c := range changes {
		if c.Kind == ChangeDeleted {
			dels++
		}
	}
	if dels != 3 {
		t.Fatalf("got %d delete notifications, want 3: %+v", dels, changes)
	}

	count, err := s.CountNotes()
	if err != nil || count != 0 {
		t.Fatalf("CountNotes = %d, %v", count, err)
	}
}

func TestDeleteLeafTouchesParent(t *testing.T) {
	svc, _ := newTestService(t)

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	c := svc.Create(CreateInput{Content: "c", Type: store.TypeClaim, ParentID: q.ID})

	deleted := svc.Delete(c.ID)
	if len(deleted) != 1 || deleted[0] != c.ID {
		t.Fatalf("deleted %v, want only the leaf", deleted)
	}
	parent := svc.Get(q.ID)
	if parent == nil || parent.UpdatedAt <= c.UpdatedAt {
		t.Fatalf("parent not touched by child deletion: %+v", parent)
	}
}

func TestDemoteQuestionUnlinksChildren(t *testing.T) {
	svc, _ := newTestService(t)

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	c1 := svc.Create(CreateInput{Content: "c1", Type: store.TypeClaim, ParentID: q.ID})
	c2 := svc.Create(CreateInput{Content: "c2", Type: store.TypeEvidence, ParentID: q.ID})

	got := svc.DemoteQuestion(q.ID, store.TypeClaim)
	if got == nil || got.Type != store.TypeClaim {
		t.Fatalf("demotion failed: %+v", got)
	}
	for _, id := range []string{c1.ID, c2.ID} {
		child := svc.Get(id)
		if child == nil || child.ParentID != "" {
			t.Fatalf("child %s still linked: %+v", id, child)
		}
	}
	if kids := svc.ListByParent(q.ID); len(kids) != 0 {
		t.Fatalf("ListByParent returned %d after demotion", len(kids))
	}
}

func TestDemoteQuestionRejectsBadTargets(t *testing.T) {
	svc, _ := newTestService(t)

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	c := svc.Create(CreateInput{Content: "c", Type: store.TypeClaim})

	if got := svc.DemoteQuestion(q.ID, store.TypeQuestion); got != nil {
		t.Fatalf("demotion to question accepted: %+v", got)
	}
	if got := svc.DemoteQuestion(q.ID, "rant"); got != nil {
		t.Fatalf("demotion to unknown type accepted: %+v", got)
	}
	if got := svc.DemoteQuestion(c.ID, store.TypeEvidence); got != nil {
		t.Fatalf("demotion of a non-question accepted: %+v", got)
	}
	if kept := svc.Get(q.ID); kept.Type != store.TypeQuestion {
		t.Fatalf("rejected demotion still changed the note: %+v", kept)
	}
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService(t)

	q := svc.Create(CreateInput{Content: "q", Type: store.TypeQuestion})
	svc.Create(CreateInput{Content: "c1", Type: store.TypeClaim, ParentID: q.ID})
	svc.Create(CreateInput{Content: "c2", Type: store.TypeClaim})
	svc.Create(CreateInput{Content: "t1", Type: store.TypeTrigger})

	if all := svc.List(); len(all) != 4 {
		t.Fatalf("List = %d notes, want 4", len(all))
	}
	if claims := svc.ListByType(store.TypeClaim); len(claims) != 2 {
		t.Fatalf("ListByType(claim) = %d, want 2", len(claims))
	}
	if kids := svc.ListByParent(q.ID); len(kids) != 1 {
		t.Fatalf("ListByParent = %d, want 1", len(kids))
	}
}

func TestListOrdersByRecentActivity(t *testing.T) {
	svc, _ := newTestService(t)

	a := svc.Create(CreateInput{Content: "a", Type: store.TypeClaim})
	b := svc.Create(CreateInput{Content: "b", Type: store.TypeClaim})
	svc.UpdateContent(a.ID, "a again")

	all := svc.List()
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestRecordTelemetryKeepsProjectionFresh(t *testing.T) {
	svc, s := newTestService(t)

	svc.Create(CreateInput{Content: "n", Type: store.TypeClaim})
	svc.RecordTelemetry(store.KindAnalysisRequested, map[string]any{"noteId": "n"})
	svc.RecordTelemetry("PAGE_VIEWED", nil) // unknown, dropped

	count, err := s.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 2 {
		t.Fatalf("CountEvents = %d, want create + one telemetry", count)
	}
	stale, err := s.Stale()
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if stale {
		t.Fatal("telemetry made the projection stale")
	}
}

func TestOperationsDegradeWhenStoreUnavailable(t *testing.T) {
	svc, s := newTestService(t)
	n := svc.Create(CreateInput{Content: "n", Type: store.TypeClaim})

	s.Close()

	// Every public entry point must degrade, never panic or error out.
	if got := svc.Create(CreateInput{Content: "x"}); got != nil {
		t.Fatalf("Create on closed store: %+v", got)
	}
	if got := svc.UpdateContent(n.ID, "x"); got != nil {
		t.Fatalf("UpdateContent on closed store: %+v", got)
	}
	if got := svc.Delete(n.ID); got != nil {
		t.Fatalf("Delete on closed store: %v", got)
	}
	if got := svc.Get(n.ID); got != nil {
		t.Fatalf("Get on closed store: %+v", got)
	}
	if got := svc.List(); got != nil {
		t.Fatalf("List on closed store: %+v", got)
	}
	svc.RecordTelemetry(store.KindSuggestionApplied, nil)
}
