package shapecheck

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LevelInfo, &buf, "")

	log.Debugf("hidden %d", 1)
	log.Infof("shown %d", 2)
	log.Errorf("also shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug output should be filtered at info level")
	}
	if !strings.Contains(out, "[INFO] shown 2") {
		t.Errorf("expected info line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] also shown") {
		t.Errorf("expected error line, got %q", out)
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LevelDebug, &buf, "")

	child := log.With(map[string]any{"component": "shapeenv", "trace": 7})
	child.Debugf("allocating")

	line := buf.String()
	// Fields render sorted for deterministic output.
	if !strings.Contains(line, "allocating component=shapeenv trace=7") {
		t.Errorf("unexpected log line: %q", line)
	}

	buf.Reset()
	log.Debugf("no fields here")
	if strings.Contains(buf.String(), "component=") {
		t.Error("parent logger must not inherit child fields")
	}
}

func TestLoggerTimestampFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LevelDebug, &buf, "%Y")

	log.Debugf("stamped")
	line := buf.String()
	if !strings.HasPrefix(line, "[DEBUG] 2") {
		t.Errorf("expected a year timestamp after the level, got %q", line)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelWarn,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %s, want %s", in, got, want)
		}
	}
}

func TestDumpYAMLTruncates(t *testing.T) {
	long := dumpYAML(map[string]any{"key": strings.Repeat("x", 500)}, 40)
	if !strings.HasSuffix(long, "...(truncated)") {
		t.Errorf("expected truncation marker, got %q", long)
	}
	short := dumpYAML(map[string]any{"a": 1}, 0)
	if short != "a: 1" {
		t.Errorf("unexpected yaml dump: %q", short)
	}
}
