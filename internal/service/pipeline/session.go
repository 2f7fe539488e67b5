package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/observability/metrics"
	"subtitle-stt-engine/internal/service/audio"
	"subtitle-stt-engine/internal/service/segment"
	"subtitle-stt-engine/internal/service/transcriber"
	"subtitle-stt-engine/internal/service/vad"
)

// Finalization reasons, used as metric labels.
const (
	reasonSilence     = "silence"
	reasonMaxDuration = "max_duration"
	reasonStop        = "stop"
)

// Submitter accepts transcription jobs. *transcriber.Worker implements it.
type Submitter interface {
	Submit(req transcriber.TranscribeRequest) error
}

// SessionConfig tunes the live session. Times are in seconds of capture time.
type SessionConfig struct {
	LiveInterval      float64
	MaxPhraseDuration float64
}

// DefaultSessionConfig returns the standard live session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		LiveInterval:      0.5,
		MaxPhraseDuration: 15,
	}
}

// LiveSession turns captured chunks into live and final transcription requests.
// Run must be called from a single goroutine.
type LiveSession struct {
	id       string
	cfg      SessionConfig
	detector *vad.Detector
	worker   Submitter
	index    *PhraseIndex
	ids      *segment.Generator
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	current  *segment.Lifecycle
	lastLive float64
}

// NewLiveSession creates a session. Phrase IDs come from ids and every submitted
// request is recorded in index for the forwarder.
func NewLiveSession(id string, detector *vad.Detector, worker Submitter, index *PhraseIndex, ids *segment.Generator, cfg SessionConfig, logger zerolog.Logger) *LiveSession {
	if cfg.LiveInterval <= 0 {
		cfg.LiveInterval = DefaultSessionConfig().LiveInterval
	}
	return &LiveSession{
		id:       id,
		cfg:      cfg,
		detector: detector,
		worker:   worker,
		index:    index,
		ids:      ids,
		logger:   logger,
		metrics:  metrics.DefaultMetrics,
	}
}

// ID returns the session ID.
func (s *LiveSession) ID() string {
	return s.id
}

// Run consumes chunks in order until the channel closes or ctx is done. The
// phrase in progress is then flushed as final.
func (s *LiveSession) Run(ctx context.Context, chunks <-chan audio.AudioChunk) {
	s.logger.Info().Msg("live session started")
	defer s.logger.Info().Msg("live session stopped")

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case chunk, ok := <-chunks:
			if !ok {
				s.Flush()
				return
			}
			s.HandleChunk(chunk)
		}
	}
}

// HandleChunk feeds one chunk through the detector and submits whatever requests
// it produces.
func (s *LiveSession) HandleChunk(chunk audio.AudioChunk) {
	phrase, done := s.detector.Process(chunk)
	if done {
		s.finalize(phrase, reasonSilence)
		return
	}
	if s.detector.State() != vad.StateSpeaking {
		return
	}

	if s.current == nil {
		s.open(chunk.StartTime)
	}

	p, ok := s.detector.Peek()
	if !ok {
		return
	}
	if s.cfg.MaxPhraseDuration > 0 && p.Duration() >= s.cfg.MaxPhraseDuration {
		if fp, ok := s.detector.Flush(); ok {
			s.finalize(fp, reasonMaxDuration)
		}
		return
	}
	if chunk.StartTime-s.lastLive >= s.cfg.LiveInterval {
		s.lastLive = chunk.StartTime
		s.submitLive(p)
	}
}

// Flush finalizes the phrase in progress, if any.
func (s *LiveSession) Flush() {
	if p, ok := s.detector.Flush(); ok {
		s.finalize(p, reasonStop)
		return
	}
	if s.current != nil {
		s.current.Drop()
		s.current = nil
	}
}

func (s *LiveSession) open(start float64) {
	s.current = segment.NewLifecycle(s.ids.Next(s.id), start)
	s.lastLive = start
	s.metrics.RecordPhraseStarted()
	s.logger.Debug().
		Str("phraseId", s.current.ID()).
		Float64("start", start).
		Msg("phrase started")
}

func (s *LiveSession) submitLive(p vad.Phrase) {
	if err := s.current.EmitLive(); err != nil {
		s.logger.Warn().Err(err).Str("phraseId", s.current.ID()).Msg("live update rejected")
		return
	}

	req := transcriber.NewRequest(p.Samples, p.Start, p.End, false, transcriber.SourceLive)
	s.index.Track(req.ID, s.current, false)
	if err := s.worker.Submit(req); err != nil {
		// Live updates are best effort; the final request carries the phrase.
		s.index.Forget(req.ID)
		s.logger.Debug().Err(err).Str("phraseId", s.current.ID()).Msg("live update skipped")
		return
	}
	s.metrics.RecordLiveUpdate()
}

func (s *LiveSession) finalize(p vad.Phrase, reason string) {
	if s.current == nil {
		s.open(p.Start)
	}
	phrase := s.current
	s.current = nil

	if err := phrase.EmitFinal(); err != nil {
		s.logger.Warn().Err(err).Str("phraseId", phrase.ID()).Msg("final rejected")
		return
	}
	s.metrics.RecordPhraseFinalized(reason, p.Duration())

	req := transcriber.NewRequest(p.Samples, p.Start, p.End, true, transcriber.SourceLive)
	s.index.Track(req.ID, phrase, true)
	if err := s.worker.Submit(req); err != nil {
		s.index.Forget(req.ID)
		phrase.Drop()
		event := s.logger.Warn()
		if !errors.Is(err, transcriber.ErrQueueFull) {
			event = s.logger.Error()
		}
		event.Err(err).
			Str("phraseId", phrase.ID()).
			Float64("duration", p.Duration()).
			Msg("final request dropped")
		return
	}

	s.logger.Debug().
		Str("phraseId", phrase.ID()).
		Str("requestId", req.ID).
		Str("reason", reason).
		Float64("start", p.Start).
		Float64("end", p.End).
		Msg("phrase finalized")
}
