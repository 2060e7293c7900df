package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerCarriesFieldsAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "debug", Format: "json"}).With(String("component", "relay"))

	ctx, id := WithRequestID(context.Background())
	log.Info(ctx, "forwarded", Int("receivers", 2), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["component"] != "relay" {
		t.Fatalf("component = %v, want relay", rec["component"])
	}
	if rec["request_id"] != id {
		t.Fatalf("request_id = %v, want %s", rec["request_id"], id)
	}
	if rec["receivers"] != float64(2) {
		t.Fatalf("receivers = %v, want 2", rec["receivers"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "warn"})
	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden too")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug/info leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestWithRequestIDKeepsExisting(t *testing.T) {
	ctx, first := WithRequestID(context.Background())
	_, second := WithRequestID(ctx)
	if first != second {
		t.Fatalf("request id replaced: %s != %s", first, second)
	}
}
