package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := New(&buf, "json").With("component", "kvcache")

	l.Warn("mbind failed", "node", 1, "err", errors.New("operation not permitted"))

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if rec["component"] != "kvcache" {
		t.Errorf("expected component field, got %v", rec["component"])
	}
	if rec["err"] != "operation not permitted" {
		t.Errorf("expected error rendered as string, got %v", rec["err"])
	}
	if rec["node"] != float64(1) {
		t.Errorf("expected node 1, got %v", rec["node"])
	}
	if rec["level"] != "warn" {
		t.Errorf("expected warn level, got %v", rec["level"])
	}
}

func TestOddArgsIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("msg", "dangling")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if _, ok := rec["dangling"]; ok {
		t.Error("dangling key should not be emitted")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	Nop().With("a", 1).Error("nothing", "k", "v")
}
