package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// JSONLines writes every event as one JSON object per line. It is the
// publisher used by the offline CLI.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines returns a publisher writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) PublishPartial(ctx context.Context, key string, event any) error {
	return j.write(event)
}

func (j *JSONLines) PublishFinal(ctx context.Context, key string, event any) error {
	return j.write(event)
}

func (j *JSONLines) PublishStatus(ctx context.Context, key string, event any) error {
	return j.write(event)
}

func (j *JSONLines) write(event any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(event)
}
