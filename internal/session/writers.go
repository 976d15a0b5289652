package session

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter buffers raw chunks and invokes fn once per complete line.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf.Write(p)
	for {
		idx := bytes.IndexByte(lw.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(lw.buf.Next(idx + 1))
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lw.fn(line)
		}
	}
	return len(p), nil
}

// flush delivers any trailing partial line.
func (lw *lineWriter) flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() > 0 {
		line := strings.TrimRight(lw.buf.String(), "\r\n")
		lw.buf.Reset()
		if line != "" {
			lw.fn(line)
		}
	}
}

// secretMarkers identify stderr lines that must never be logged.
var secretMarkers = []string{"sk-ant-", "ANTHROPIC_API_KEY"}

func containsSecret(line string) bool {
	for _, marker := range secretMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
