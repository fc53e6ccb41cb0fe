package emit

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		Collection: "ble_12100302_Medina",
		Stage:      "conflate_model",
		EntityID:   "M1",
		Msg:        "job_submitted",
		Meta:       map[string]interface{}{"job_id": "abc-123"},
	})

	out := buf.String()
	for _, want := range []string{"job_submitted", "ble_12100302_Medina", "conflate_model", "M1", "abc-123"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{Collection: "c1", Stage: "extract_submodel", EntityID: "100", Msg: "job_failed"})

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected JSON object, got: %s", out)
	}
	if !strings.Contains(out, `"msg":"job_failed"`) {
		t.Errorf("expected msg field in JSON output, got: %s", out)
	}
}

func TestNullEmitter_Discards(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{Msg: "anything"})
	if err := e.EmitBatch(nil, []Event{{Msg: "a"}, {Msg: "b"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Flush(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
