package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/models"
	"subtitle-stt-engine/internal/service/segment"
	"subtitle-stt-engine/internal/service/transcriber"
)

// Publisher delivers events. *events.Publisher and JSONLines implement it.
type Publisher interface {
	PublishPartial(ctx context.Context, key string, event any) error
	PublishFinal(ctx context.Context, key string, event any) error
	PublishStatus(ctx context.Context, key string, event any) error
}

// EventValidator rejects malformed events before they are published.
type EventValidator interface {
	Validate(event any) error
}

// Forwarder converts worker results into subtitle and status events.
type Forwarder struct {
	sessionID string
	index     *PhraseIndex
	ids       *segment.Generator
	validator EventValidator
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewForwarder creates a forwarder for one session. index may be nil when no
// live session feeds the worker.
func NewForwarder(sessionID string, index *PhraseIndex, ids *segment.Generator, validator EventValidator, publisher Publisher, logger zerolog.Logger) *Forwarder {
	if index == nil {
		index = NewPhraseIndex()
	}
	return &Forwarder{
		sessionID: sessionID,
		index:     index,
		ids:       ids,
		validator: validator,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Run forwards results until the channel closes or ctx is done.
func (f *Forwarder) Run(ctx context.Context, results <-chan transcriber.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			f.Handle(ctx, r)
		}
	}
}

// Handle forwards one result.
func (f *Forwarder) Handle(ctx context.Context, r transcriber.Result) {
	switch r.Kind {
	case transcriber.ResultTranscriptionBatch:
		f.handleBatch(ctx, r)
		return
	case transcriber.ResultTranscriptionError:
		if phrase, isFinal, ok := f.index.Lookup(r.RequestID); ok {
			f.index.Forget(r.RequestID)
			if isFinal {
				phrase.Drop()
			}
		}
	case transcriber.ResultFileAllSegments:
		for _, seg := range r.Segments {
			f.publishFinal(ctx, f.ids.Next(f.sessionID), seg)
		}
	}
	f.publishStatus(ctx, r)
}

func (f *Forwarder) handleBatch(ctx context.Context, r transcriber.Result) {
	if len(r.Segments) == 0 {
		return
	}
	phrase, isFinal, tracked := f.index.Lookup(r.RequestID)
	if !r.Segments[0].IsFinal {
		f.index.Forget(r.RequestID)
		if !tracked || !phrase.IsOpen() {
			f.logger.Debug().Str("requestId", r.RequestID).Msg("stale live result discarded")
			return
		}
		f.publishPartial(ctx, phrase.ID(), r.Segments)
		return
	}

	for i, seg := range r.Segments {
		var id string
		switch {
		case !tracked || !isFinal:
			id = f.ids.Next(f.sessionID)
		case i == 0:
			id = phrase.ID()
		default:
			id = fmt.Sprintf("%s.%d", phrase.ID(), i)
		}
		f.publishFinal(ctx, id, seg)
	}
	if tracked {
		f.index.Forget(r.RequestID)
		phrase.Close()
	}
}

// publishPartial merges a live batch into one interim line for the phrase.
func (f *Forwarder) publishPartial(ctx context.Context, phraseID string, segs []transcriber.TranscribeResult) {
	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
	}
	if len(texts) == 0 {
		return
	}

	event := models.SubtitlePartial{
		EventType: models.EventTypePartial,
		SessionID: f.sessionID,
		Timestamp: f.now().UnixMilli(),
		SegmentID: phraseID,
		Text:      strings.Join(texts, " "),
		StartMs:   toMs(segs[0].Start),
		EndMs:     toMs(segs[len(segs)-1].End),
	}
	if err := f.validator.Validate(event); err != nil {
		f.logger.Warn().Err(err).Str("segmentId", phraseID).Msg("partial subtitle rejected")
		return
	}
	if err := f.publisher.PublishPartial(ctx, f.sessionID, event); err != nil {
		f.logger.Error().Err(err).Str("segmentId", phraseID).Msg("publish partial failed")
	}
}

func (f *Forwarder) publishFinal(ctx context.Context, segmentID string, seg transcriber.TranscribeResult) {
	event := ToFinal(f.sessionID, segmentID, seg, f.now())
	if err := f.validator.Validate(event); err != nil {
		f.logger.Warn().Err(err).Str("segmentId", segmentID).Msg("final subtitle rejected")
		return
	}
	if err := f.publisher.PublishFinal(ctx, f.sessionID, event); err != nil {
		f.logger.Error().Err(err).Str("segmentId", segmentID).Msg("publish final failed")
	}
}

func (f *Forwarder) publishStatus(ctx context.Context, r transcriber.Result) {
	event := models.WorkerStatus{
		EventType: models.EventTypeStatus,
		SessionID: f.sessionID,
		Timestamp: f.now().UnixMilli(),
		Kind:      r.Kind.String(),
		RequestID: r.RequestID,
		Path:      r.Path,
		Segments:  len(r.Segments),
	}
	if r.Err != nil {
		event.Error = r.Err.Error()
	}
	if err := f.validator.Validate(event); err != nil {
		f.logger.Warn().Err(err).Str("kind", event.Kind).Msg("status event rejected")
		return
	}
	if err := f.publisher.PublishStatus(ctx, f.sessionID, event); err != nil {
		f.logger.Error().Err(err).Str("kind", event.Kind).Msg("publish status failed")
	}
}

// ToFinal converts a recognized segment into a final subtitle event.
func ToFinal(sessionID, segmentID string, seg transcriber.TranscribeResult, now time.Time) models.SubtitleFinal {
	event := models.SubtitleFinal{
		EventType:  models.EventTypeFinal,
		SessionID:  sessionID,
		Timestamp:  now.UnixMilli(),
		SegmentID:  segmentID,
		Text:       seg.Text,
		StartMs:    toMs(seg.Start),
		EndMs:      toMs(seg.End),
		Confidence: Confidence(seg.AvgLogprob),
		AvgRMS:     seg.AvgRMS,
		Source:     string(seg.Source),
	}
	if len(seg.Words) > 0 {
		event.Words = make([]models.Word, len(seg.Words))
		for i, w := range seg.Words {
			event.Words[i] = models.Word{
				Text:        w.Text,
				StartMs:     toMs(w.Start),
				EndMs:       toMs(w.End),
				Probability: w.Probability,
			}
		}
	}
	return event
}

// Confidence maps an average log probability to [0, 1].
func Confidence(avgLogprob float64) float64 {
	if math.IsNaN(avgLogprob) {
		return 0
	}
	return math.Max(0, math.Min(1, math.Exp(avgLogprob)))
}

func toMs(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}
