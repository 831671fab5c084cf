package runner

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := Outcome{OK: &okOutcome{Result: map[string]any{"sleep": 1.5}, PC: map[string]any{"entrypoint": "main"}}}

	if err := writeFrame(&buf, sent); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	var got Outcome
	if err := readFrame(&buf, &got); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.OK == nil {
		t.Fatal("expected OK outcome to survive round trip")
	}
	if got.OK.PC["entrypoint"] != "main" {
		t.Fatalf("unexpected pc payload %v", got.OK.PC)
	}
}

func TestParamsFromDefaultsToEmptyMap(t *testing.T) {
	p := paramsFrom(map[string]any{})
	if p == nil || len(p) != 0 {
		t.Fatalf("expected empty map, got %v", p)
	}
}

func TestMaxTimeLimitIsPositive(t *testing.T) {
	if maxTimeLimit <= 0 {
		t.Fatal("maxTimeLimit must be positive")
	}
}

func TestSetMainProcessIsIdempotent(t *testing.T) {
	SetMainProcess()
	SetMainProcess()
	if !IsMainProcess() {
		t.Fatal("expected IsMainProcess to report true after SetMainProcess")
	}
}
