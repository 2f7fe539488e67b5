package app

import (
	"sync"
	"time"

	"subtitle-stt-engine/internal/observability/logging"
)

// LogLine is a worker log entry as served by the logs endpoint.
type LogLine struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  logging.Fields `json:"fields,omitempty"`
}

// logRing keeps the most recent worker log entries.
type logRing struct {
	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

func newLogRing(size int) *logRing {
	return &logRing{lines: make([]LogLine, size)}
}

func (r *logRing) add(e logging.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = LogLine{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		Fields:  e.Fields,
	}
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the entries oldest first.
func (r *logRing) snapshot() []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]LogLine(nil), r.lines[:r.next]...)
	}
	out := make([]LogLine, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}
