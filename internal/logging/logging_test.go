package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)

	l.Info("dropped")
	l.WithField("job_id", "j1").Warn("kept")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "kept" || entry["job_id"] != "j1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("loud", "text", nil)
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %s", l.GetLevel())
	}
}

func TestWithVersion(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "json", &buf)
	WithVersion(l, "1.2.3").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry[VersionKey] != "1.2.3" {
		t.Fatalf("version field missing: %v", entry)
	}
}
