package store

import (
	"testing"

	"github.com/glotline/glotline/pkg/interp"
)

func TestDecodeNotification_Insert(t *testing.T) {
	payload := `{
		"op": "insert",
		"session_id": "sess-1",
		"row": {
			"id": "row-1",
			"session_id": "sess-1",
			"sequence": 3,
			"target_language": "es",
			"original_text": "Hello",
			"translated_text": "Hola",
			"is_final": false,
			"start_time_ms": 1200,
			"end_time_ms": 1900,
			"created_at": "2026-08-24T10:30:00.123456+00:00"
		}
	}`

	ev, ok := decodeNotification("sess-1", payload)
	if !ok {
		t.Fatal("payload dropped")
	}
	if ev.Kind != interp.EventInsert {
		t.Fatalf("kind = %v, want insert", ev.Kind)
	}
	row := ev.Row
	if row.ID != "row-1" || row.Sequence != 3 || row.TargetLanguage != "es" {
		t.Errorf("row identity = %q/%d/%q", row.ID, row.Sequence, row.TargetLanguage)
	}
	if row.OriginalText != "Hello" || row.TranslatedText != "Hola" {
		t.Errorf("row text = %q/%q", row.OriginalText, row.TranslatedText)
	}
	if row.IsFinal {
		t.Error("row marked final")
	}
	if row.StartTimeMs == nil || *row.StartTimeMs != 1200 {
		t.Errorf("start_time_ms = %v, want 1200", row.StartTimeMs)
	}
	if row.EndTimeMs == nil || *row.EndTimeMs != 1900 {
		t.Errorf("end_time_ms = %v, want 1900", row.EndTimeMs)
	}
	if row.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestDecodeNotification_UpdateWithNullTiming(t *testing.T) {
	payload := `{
		"op": "update",
		"session_id": "sess-1",
		"row": {
			"id": "row-1",
			"session_id": "sess-1",
			"sequence": 1,
			"target_language": "ja",
			"original_text": "Hi",
			"translated_text": "",
			"is_final": true,
			"start_time_ms": null,
			"end_time_ms": null,
			"created_at": "2026-08-24T10:30:00+00:00"
		}
	}`

	ev, ok := decodeNotification("sess-1", payload)
	if !ok {
		t.Fatal("payload dropped")
	}
	if ev.Kind != interp.EventUpdate {
		t.Fatalf("kind = %v, want update", ev.Kind)
	}
	if !ev.Row.IsFinal {
		t.Error("finality lost")
	}
	if ev.Row.StartTimeMs != nil || ev.Row.EndTimeMs != nil {
		t.Error("null timing not preserved as nil")
	}
}

func TestDecodeNotification_DeleteCarriesOnlyID(t *testing.T) {
	payload := `{
		"op": "delete",
		"session_id": "sess-1",
		"row": {"id": "row-9", "session_id": "sess-1", "sequence": 9,
			"target_language": "es", "original_text": "", "translated_text": "",
			"is_final": true, "created_at": "2026-08-24T10:30:00+00:00"}
	}`

	ev, ok := decodeNotification("sess-1", payload)
	if !ok {
		t.Fatal("payload dropped")
	}
	if ev.Kind != interp.EventDelete {
		t.Fatalf("kind = %v, want delete", ev.Kind)
	}
	if ev.ID != "row-9" {
		t.Errorf("id = %q, want row-9", ev.ID)
	}
}

func TestDecodeNotification_ForeignSessionDropped(t *testing.T) {
	payload := `{"op": "insert", "session_id": "other", "row": {"id": "x",
		"session_id": "other", "sequence": 1, "target_language": "es",
		"original_text": "", "translated_text": "", "is_final": false,
		"created_at": "2026-08-24T10:30:00+00:00"}}`

	if _, ok := decodeNotification("sess-1", payload); ok {
		t.Error("foreign session payload accepted")
	}
}

func TestDecodeNotification_MalformedAndUnknownDropped(t *testing.T) {
	cases := map[string]string{
		"malformed json": `{"op": "insert", "session_id":`,
		"unknown op":     `{"op": "truncate", "session_id": "sess-1", "row": {}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := decodeNotification("sess-1", payload); ok {
				t.Error("bad payload accepted")
			}
		})
	}
}
