package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info")
	defer SetOutput(os.Stdout, "info")

	Chain.Info().Str("hash", "abcd").Msg("tip changed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "chain" || line["hash"] != "abcd" {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestInit_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	if err := Init("info", true, FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer SetOutput(os.Stdout, "info")

	Node.Info().Msg("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("hello")) {
		t.Errorf("log file missing message: %s", data)
	}
}
