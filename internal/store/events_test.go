package store

import "testing"

func TestEventCodecRoundTrip(t *testing.T) {
	unlink := ""
	claim := TypeClaim
	events := []Event{
		NoteCreated{ID: "e1", At: 1000, Note: Note{
			ID: "n1", Content: "c", Type: TypeQuestion, SubType: "root",
			Confidence: 0.7, ConfidenceLabel: "likely", AnalysisPending: true,
			CreatedAt: 1000, UpdatedAt: 1000,
		}},
		NoteUpdated{ID: "e2", At: 1100, NoteID: "n1", Content: "revised"},
		NoteMetaUpdated{ID: "e3", At: 1200, NoteID: "n1", Updates: MetaUpdates{Type: &claim, ParentID: &unlink}},
		NoteTouched{ID: "e4", At: 1300, NoteID: "n1"},
		NoteDeleted{ID: "e5", At: 1400, NoteID: "n1"},
		Telemetry{ID: "e6", Kind: KindAnalysisRequested, At: 1500, Payload: map[string]any{"noteId": "n1"}},
	}

	for _, ev := range events {
		rec, err := EncodeEvent(ev)
		if err != nil {
			t.Fatalf("EncodeEvent(%s): %v", ev.EventKind(), err)
		}
		if rec.ID != ev.EventID() || rec.Kind != ev.EventKind() || rec.CreatedAt != ev.OccurredAt() {
			t.Fatalf("record header mismatch for %s: %+v", ev.EventKind(), rec)
		}
		back, err := rec.Decode()
		if err != nil {
			t.Fatalf("Decode(%s): %v", rec.Kind, err)
		}
		if back.EventID() != ev.EventID() || back.EventKind() != ev.EventKind() {
			t.Fatalf("round trip changed identity: %v -> %v", ev, back)
		}
	}
}

func TestDecodeMetaUpdatesDistinguishesUnlinkFromAbsent(t *testing.T) {
	unlink := ""
	rec, err := EncodeEvent(NoteMetaUpdated{ID: "e1", At: 1, NoteID: "n1", Updates: MetaUpdates{ParentID: &unlink}})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	back, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := back.(NoteMetaUpdated).Updates
	if got.ParentID == nil || *got.ParentID != "" {
		t.Fatalf("unlink lost in round trip: %+v", got)
	}
	if got.Type != nil || got.SubType != nil {
		t.Fatalf("absent fields materialized: %+v", got)
	}
}

func TestDecodeTelemetryWithoutPayload(t *testing.T) {
	rec, err := EncodeEvent(Telemetry{ID: "t1", Kind: KindSuggestionDismissed, At: 10})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	back, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tel := back.(Telemetry)
	if tel.Kind != KindSuggestionDismissed || tel.Payload != nil {
		t.Fatalf("unexpected telemetry: %+v", tel)
	}
}

func TestDecodeUnknownKindFails(t *testing.T) {
	rec := EventRecord{ID: "x", Kind: "NOTE_EXPLODED", CreatedAt: 1}
	if _, err := rec.Decode(); err == nil {
		t.Fatal("decoding an unknown kind must fail")
	}
}

func TestEventKindFamilies(t *testing.T) {
	for _, k := range []EventKind{KindNoteCreated, KindNoteUpdated, KindNoteMetaUpdated, KindNoteDeleted, KindNoteTouched} {
		if !k.NoteEvent() || k.TelemetryEvent() {
			t.Fatalf("%s misclassified", k)
		}
	}
	for _, k := range []EventKind{KindAnalysisRequested, KindSuggestionApplied, KindSuggestionDismissed} {
		if k.NoteEvent() || !k.TelemetryEvent() {
			t.Fatalf("%s misclassified", k)
		}
	}
}
