// Package mock provides a canned recognizer for running the pipeline without a model.
// It returns one segment per sample buffer, cycling through a fixed set of utterances,
// and splits file input into evenly sized segments.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"subtitle-stt-engine/internal/service/stt"
)

// SimulatedUtterance is a canned recognition result.
type SimulatedUtterance struct {
	Text       string
	Confidence float64
}

// DefaultUtterances provides sample subtitle lines.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "Welcome back to the show", Confidence: 0.94},
	{Text: "Today we are talking about live captions", Confidence: 0.97},
	{Text: "Let me share my screen", Confidence: 0.91},
	{Text: "Can everyone hear me okay", Confidence: 0.89},
	{Text: "Thanks for watching", Confidence: 0.98},
}

// Config controls the canned output.
type Config struct {
	Utterances      []SimulatedUtterance
	FileDuration    float64       // reported duration for file input
	FileSegmentSize float64       // seconds per file segment
	SegmentDelay    time.Duration // simulated inference time per segment
	Err             error         // returned by Transcribe when set

	// Script, when set, replaces the canned output entirely.
	Script func(in stt.Input, opts stt.Options) ([]stt.Segment, error)
}

// DefaultConfig returns the standard mock settings.
func DefaultConfig() Config {
	return Config{
		Utterances:      DefaultUtterances,
		FileDuration:    10,
		FileSegmentSize: 2.5,
	}
}

// Call records one Transcribe invocation.
type Call struct {
	Input   stt.Input
	Options stt.Options
}

// Recognizer implements stt.Recognizer with canned responses.
type Recognizer struct {
	cfg Config

	mu     sync.Mutex
	next   int
	calls  []Call
	closed bool
}

// New creates a mock recognizer.
func New(cfg Config) *Recognizer {
	def := DefaultConfig()
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = def.Utterances
	}
	if cfg.FileDuration <= 0 {
		cfg.FileDuration = def.FileDuration
	}
	if cfg.FileSegmentSize <= 0 {
		cfg.FileSegmentSize = def.FileSegmentSize
	}
	return &Recognizer{cfg: cfg}
}

// Transcribe implements stt.Recognizer.
func (r *Recognizer) Transcribe(ctx context.Context, in stt.Input, opts stt.Options) (stt.SegmentStream, stt.Info, error) {
	if err := in.Validate(); err != nil {
		return nil, stt.Info{}, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Input: in, Options: opts})
	r.mu.Unlock()

	if r.cfg.Err != nil {
		return nil, stt.Info{}, r.cfg.Err
	}

	info := stt.Info{Language: opts.Language}
	if info.Language == "" {
		info.Language = "en"
	}

	var segs []stt.Segment
	if r.cfg.Script != nil {
		var err error
		segs, err = r.cfg.Script(in, opts)
		if err != nil {
			return nil, stt.Info{}, err
		}
		segs = append([]stt.Segment(nil), segs...)
		if len(segs) > 0 {
			info.Duration = segs[len(segs)-1].End
		}
	} else if in.IsFile() {
		info.Duration = r.cfg.FileDuration
		segs = r.fileSegments()
	} else {
		info.Duration = float64(len(in.Samples)) / 16000
		if info.Duration > 0 {
			u := r.nextUtterance()
			segs = []stt.Segment{{Start: 0, End: info.Duration, Text: u.Text, AvgLogprob: logprob(u.Confidence)}}
		}
	}

	for i := range segs {
		if opts.WordTimestamps {
			if segs[i].Words == nil {
				segs[i].Words = spreadWords(segs[i])
			}
		} else {
			segs[i].Words = nil
		}
	}

	return &stream{ctx: ctx, segs: segs, delay: r.cfg.SegmentDelay}, info, nil
}

func (r *Recognizer) fileSegments() []stt.Segment {
	var segs []stt.Segment
	for start := 0.0; start < r.cfg.FileDuration; start += r.cfg.FileSegmentSize {
		end := start + r.cfg.FileSegmentSize
		if end > r.cfg.FileDuration {
			end = r.cfg.FileDuration
		}
		u := r.nextUtterance()
		segs = append(segs, stt.Segment{Start: start, End: end, Text: u.Text, AvgLogprob: logprob(u.Confidence)})
	}
	return segs
}

func (r *Recognizer) nextUtterance() SimulatedUtterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.cfg.Utterances[r.next%len(r.cfg.Utterances)]
	r.next++
	return u
}

// Calls returns a copy of every Transcribe invocation so far.
func (r *Recognizer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Closed reports whether Close was called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close implements stt.Recognizer.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// spreadWords splits the segment text evenly across its span.
func spreadWords(seg stt.Segment) []stt.Word {
	fields := strings.Fields(seg.Text)
	if len(fields) == 0 {
		return nil
	}
	step := (seg.End - seg.Start) / float64(len(fields))
	words := make([]stt.Word, len(fields))
	for i, f := range fields {
		words[i] = stt.Word{
			Start:       seg.Start + float64(i)*step,
			End:         seg.Start + float64(i+1)*step,
			Text:        f,
			Probability: 0.9,
		}
	}
	words[len(words)-1].End = seg.End
	return words
}

// logprob maps a confidence to a plausible average log-probability.
func logprob(confidence float64) float64 {
	return confidence - 1
}

type stream struct {
	ctx   context.Context
	segs  []stt.Segment
	delay time.Duration
	next  int
}

func (s *stream) Next() (stt.Segment, error) {
	if s.next >= len(s.segs) {
		return stt.Segment{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return stt.Segment{}, s.ctx.Err()
		}
	}
	seg := s.segs[s.next]
	s.next++
	return seg, nil
}

func (s *stream) Close() error { return nil }

// Loader implements stt.Loader by handing out a fixed recognizer.
type Loader struct {
	Recognizer *Recognizer
	Err        error
	Delay      time.Duration

	mu      sync.Mutex
	configs []stt.ModelConfig
}

// Load implements stt.Loader.
func (l *Loader) Load(ctx context.Context, cfg stt.ModelConfig) (stt.Recognizer, error) {
	l.mu.Lock()
	l.configs = append(l.configs, cfg)
	l.mu.Unlock()

	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Recognizer == nil {
		return New(DefaultConfig()), nil
	}
	return l.Recognizer, nil
}

// Configs returns every model configuration Load was called with.
func (l *Loader) Configs() []stt.ModelConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stt.ModelConfig, len(l.configs))
	copy(out, l.configs)
	return out
}
