// Package models defines the events published for subtitles and worker status.
package models

// Event types.
const (
	EventTypePartial = "subtitle.partial"
	EventTypeFinal   = "subtitle.final"
	EventTypeStatus  = "worker.status"
)

// SubtitlePartial is an interim result for a phrase that is still being spoken.
type SubtitlePartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	SegmentID string `json:"segmentId"`
	Text      string `json:"text"`
	StartMs   int64  `json:"startMs"`
	EndMs     int64  `json:"endMs"`
}

// Word is a word-level timing inside a final subtitle.
type Word struct {
	Text        string  `json:"text"`
	StartMs     int64   `json:"startMs"`
	EndMs       int64   `json:"endMs"`
	Probability float64 `json:"probability"`
}

// SubtitleFinal is a finished subtitle line with confidence and word timings.
type SubtitleFinal struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Timestamp  int64   `json:"timestamp"`
	SegmentID  string  `json:"segmentId"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	Confidence float64 `json:"confidence"`
	AvgRMS     float64 `json:"avgRms"`
	Source     string  `json:"source"`
	Words      []Word  `json:"words,omitempty"`
}

// WorkerStatus reports model and file-job state changes.
type WorkerStatus struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
	Path      string `json:"path,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	Error     string `json:"error,omitempty"`
}
