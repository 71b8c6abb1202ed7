package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newSink(t *testing.T, minimum Level) (*FileSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debug.log")
	s, err := NewFileSink(path, minimum)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	return s, path
}

func readAll(t *testing.T, s *FileSink, path string) string {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestFileSinkWritesTaggedLines(t *testing.T) {
	s, path := newSink(t, LevelDebug)
	s.Log(LevelInfo, "reactor", "attached fd %d", 7)

	content := readAll(t, s, path)
	if !strings.Contains(content, "[INFO] [reactor] attached fd 7") {
		t.Errorf("log content = %q", content)
	}
}

func TestFileSinkLevelMinimum(t *testing.T) {
	s, path := newSink(t, LevelWarn)
	s.Log(LevelDebug, "reactor", "noise")
	s.Log(LevelError, "reactor", "signal")

	content := readAll(t, s, path)
	if strings.Contains(content, "noise") {
		t.Error("debug line written despite WARN minimum")
	}
	if !strings.Contains(content, "signal") {
		t.Error("error line missing")
	}
}

func TestFileSinkTagFilter(t *testing.T) {
	s, path := newSink(t, LevelDebug)
	s.SetFilter("scanner, device:10.0.0.5")

	s.Log(LevelInfo, "reactor", "filtered out")
	s.Log(LevelInfo, "scanner", "kept")
	s.Log(LevelInfo, "device:10.0.0.5", "also kept")

	content := readAll(t, s, path)
	if strings.Contains(content, "filtered out") {
		t.Error("filter failed to drop an unlisted tag")
	}
	if !strings.Contains(content, "kept") || !strings.Contains(content, "also kept") {
		t.Errorf("filtered content = %q", content)
	}
}

func TestFileSinkEmptyFilterEnablesAll(t *testing.T) {
	s, path := newSink(t, LevelDebug)
	s.SetFilter("scanner")
	s.SetFilter("  ")
	s.Log(LevelInfo, "anything", "visible")

	content := readAll(t, s, path)
	if !strings.Contains(content, "visible") {
		t.Error("clearing the filter should re-enable every tag")
	}
}

func TestFileSinkHexDump(t *testing.T) {
	s, path := newSink(t, LevelDebug)
	s.TX("device:10.0.0.5", "10.0.0.5:6668", []byte{0x00, 0x00, 0x55, 0xAA, 'A', 'B'})

	content := readAll(t, s, path)
	if !strings.Contains(content, "TX 10.0.0.5:6668 (6 bytes)") {
		t.Errorf("missing TX header: %q", content)
	}
	if !strings.Contains(content, "00 00 55 aa 41 42") {
		t.Errorf("missing hex bytes: %q", content)
	}
	if !strings.Contains(content, "|..U.AB|") {
		t.Errorf("missing ascii gutter: %q", content)
	}
}

func TestDiscardSinkIsSafe(t *testing.T) {
	Discard.Log(LevelError, "tag", "dropped %d", 1)
	Discard.TX("tag", "addr", []byte{1})
	Discard.RX("tag", "addr", nil)
}
