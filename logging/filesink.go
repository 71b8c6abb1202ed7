package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// FileSink is a hex-dump, tag-scoped file logger. There is no process-wide
// instance: callers hold their own *FileSink and pass it into constructors.
type FileSink struct {
	mu      sync.Mutex
	w       io.WriteCloser
	minimum Level
	filters map[string]bool // nil/empty means "all tags enabled"
}

// NewFileSink opens (or creates) path for appending and returns a Sink that
// writes level-tagged, optionally hex-dumped lines to it.
func NewFileSink(path string, minimum Level) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	s := &FileSink{w: f, minimum: minimum}
	fmt.Fprintf(f, "=== tuyalink debug log opened %s ===\n", time.Now().Format(time.RFC3339))
	return s, nil
}

// SetFilter restricts logging to the given comma-separated tags; an empty
// filter enables every tag.
func (s *FileSink) SetFilter(tags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(tags) == "" {
		s.filters = nil
		return
	}
	s.filters = make(map[string]bool)
	for _, t := range strings.Split(tags, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			s.filters[t] = true
		}
	}
}

func (s *FileSink) enabled(level Level, tag string) bool {
	if level < s.minimum {
		return false
	}
	if len(s.filters) == 0 {
		return true
	}
	return s.filters[tag]
}

// Log writes one level-tagged line if tag/level pass the configured filter.
func (s *FileSink) Log(level Level, tag, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled(level, tag) {
		return
	}
	fmt.Fprintf(s.w, "%s [%s] [%s] %s\n", time.Now().Format("15:04:05.000"), level, tag, fmt.Sprintf(format, args...))
}

// TX logs an outbound hex dump.
func (s *FileSink) TX(tag, addr string, data []byte) {
	s.dump(tag, "TX", addr, data)
}

// RX logs an inbound hex dump.
func (s *FileSink) RX(tag, addr string, data []byte) {
	s.dump(tag, "RX", addr, data)
}

func (s *FileSink) dump(tag, dir, addr string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled(LevelDebug, tag) {
		return
	}
	fmt.Fprintf(s.w, "%s [%s] %s %s (%d bytes):\n%s\n",
		time.Now().Format("15:04:05.000"), tag, dir, addr, len(data), hexDump(data))
}

// Close flushes a footer and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "=== tuyalink debug log closed %s ===\n", time.Now().Format(time.RFC3339))
	return s.w.Close()
}

// hexDump renders data as 16-bytes-per-line offset/hex/ASCII, matching the
// layout a developer reading raw wire captures would expect.
func hexDump(data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		fmt.Fprintf(&b, "  %04x  ", off)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(&b, "%02x ", line[i])
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range line {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}
