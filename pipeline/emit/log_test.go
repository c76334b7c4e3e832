package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:    "run-20260115T102233Z-4f2a9c1b",
		Seq:      3,
		StepName: "fetch",
		Msg:      "step_start",
	})

	got := buf.String()
	want := "[step_start] runID=run-20260115T102233Z-4f2a9c1b seq=3 step=fetch\n"
	if got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestLogEmitterTextModeWithMeta(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:    "run-1",
		Seq:      1,
		StepName: "fetch",
		Msg:      "step_retry",
		Meta:     map[string]interface{}{"attempt": 2},
	})

	got := buf.String()
	if !strings.Contains(got, `meta={"attempt":2}`) {
		t.Fatalf("output %q missing meta", got)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		RunID:    "run-1",
		Seq:      7,
		StepName: "fetch",
		Msg:      "step_success",
		Meta:     map[string]interface{}{"consumed": 480},
	})
	emitter.Emit(Event{RunID: "run-1", Seq: 8, Msg: "run_complete"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var decoded struct {
		RunID    string                 `json:"runID"`
		Seq      int                    `json:"seq"`
		StepName string                 `json:"stepName"`
		Msg      string                 `json:"msg"`
		Meta     map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Seq != 7 || decoded.Msg != "step_success" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Meta["consumed"] != float64(480) {
		t.Fatalf("meta = %v", decoded.Meta)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := Multi{a, b, NewNullEmitter(), nil}

	multi.Emit(Event{RunID: "run-1", Seq: 1, Msg: "step_start"})

	for i, target := range []*BufferedEmitter{a, b} {
		if got := len(target.History("run-1")); got != 1 {
			t.Errorf("emitter %d received %d events, want 1", i, got)
		}
	}
}
