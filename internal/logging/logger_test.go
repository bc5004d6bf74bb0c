// ABOUTME: Tests for the slog-based logger.
// ABOUTME: Verifies text and JSON handlers and attribute helpers.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/harperreed/healthsync/internal/models"
)

func TestNewTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Output: &buf})

	logger.Info("fetched", Metric(models.MetricWeight), Source(models.SourceWearable))

	out := buf.String()
	if !strings.Contains(out, "metric=weight") || !strings.Contains(out, "source=wearable") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelDebug, Output: &buf, JSON: true})

	logger.Debug("resolved", Component("syncer"), Err(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry["component"] != "syncer" {
		t.Errorf("component = %v, want syncer", entry["component"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelWarn, Output: &buf})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}
}

func TestErrNil(t *testing.T) {
	if attr := Err(nil); attr.Key != "" {
		t.Errorf("expected empty attr, got %v", attr)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Error("expected default logger")
	}
	l := Discard()
	if OrDefault(l) != l {
		t.Error("expected passthrough")
	}
}
