package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	if err == nil {
		t.Fatal("New() with invalid level should return error")
	}
}

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{
		Level:         "info",
		Format:        "json",
		RedactSecrets: true,
		Writer:        &buf,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	logger.Error("upstream call failed", "error", "401 unauthorized: sk-secret1234567890")

	out := buf.String()
	if strings.Contains(out, "secret1234567890") {
		t.Errorf("log output leaked credential: %s", out)
	}
	if !strings.Contains(out, "upstream call failed") {
		t.Errorf("log output missing message: %s", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "text", Writer: &buf})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("info message logged despite warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message not logged")
	}
}
