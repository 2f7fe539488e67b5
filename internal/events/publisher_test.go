package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"subtitle-stt-engine/internal/models"
)

type fakeWriter struct {
	msgs     []kafka.Message
	err      error
	closed   bool
	closeErr error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return f.closeErr
}

func enabledPublisher(partial, final, status *fakeWriter) *Publisher {
	p := New(&Config{
		TopicPartial: "subtitles.partial",
		TopicFinal:   "subtitles.final",
		TopicStatus:  "subtitles.status",
		Principal:    "subtitle-stt-engine",
	})
	p.writerPartial = partial
	p.writerFinal = final
	if status != nil {
		p.writerStatus = status
	}
	p.enabled = true
	return p
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil || p.writerStatus != nil {
				t.Error("expected no writers when disabled")
			}
			if err := p.PublishFinal(context.Background(), "k", map[string]string{"text": "hi"}); err != nil {
				t.Errorf("expected log-only publish to succeed, got %v", err)
			}
			if err := p.Close(); err != nil {
				t.Errorf("expected clean close, got %v", err)
			}
		})
	}
}

func TestNew_Enabled(t *testing.T) {
	p := New(&Config{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "p",
		TopicFinal:   "f",
	})
	defer p.Close()

	if !p.Enabled() {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerPartial == nil || p.writerFinal == nil {
		t.Error("expected partial and final writers")
	}
	if p.writerStatus != nil {
		t.Error("expected no status writer without a status topic")
	}
}

func TestPublisher_RoutesByTopic(t *testing.T) {
	partial, final, status := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	p := enabledPublisher(partial, final, status)
	ctx := context.Background()

	if err := p.PublishPartial(ctx, "sess-1", models.SubtitlePartial{EventType: models.EventTypePartial, Text: "hel"}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishFinal(ctx, "sess-1", models.SubtitleFinal{EventType: models.EventTypeFinal, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishStatus(ctx, "sess-1", models.WorkerStatus{EventType: models.EventTypeStatus, Kind: "MODEL_READY"}); err != nil {
		t.Fatal(err)
	}

	if len(partial.msgs) != 1 || len(final.msgs) != 1 || len(status.msgs) != 1 {
		t.Fatalf("unexpected routing: %d/%d/%d", len(partial.msgs), len(final.msgs), len(status.msgs))
	}

	msg := final.msgs[0]
	if string(msg.Key) != "sess-1" {
		t.Errorf("expected key sess-1, got %s", msg.Key)
	}
	var got models.SubtitleFinal
	if err := json.Unmarshal(msg.Value, &got); err != nil || got.Text != "hello" {
		t.Errorf("unexpected payload %s (%v)", msg.Value, err)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "final" || headers["principal"] != "subtitle-stt-engine" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := enabledPublisher(&fakeWriter{err: boom}, &fakeWriter{}, nil)

	if err := p.PublishPartial(context.Background(), "k", map[string]string{}); !errors.Is(err, boom) {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestPublisher_StatusWithoutTopic(t *testing.T) {
	p := enabledPublisher(&fakeWriter{}, &fakeWriter{}, nil)

	if err := p.PublishStatus(context.Background(), "k", models.WorkerStatus{}); err != nil {
		t.Errorf("expected status to be logged only, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.PublishPartial(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close(t *testing.T) {
	closeErr := errors.New("close failed")
	partial, final := &fakeWriter{}, &fakeWriter{closeErr: closeErr}
	p := enabledPublisher(partial, final, nil)

	if err := p.Close(); !errors.Is(err, closeErr) {
		t.Errorf("expected close error, got %v", err)
	}
	if !partial.closed || !final.closed {
		t.Error("expected every writer closed")
	}
}
