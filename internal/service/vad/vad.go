// Package vad groups a chunk stream into phrases using an RMS energy gate.
package vad

import (
	"fmt"
	"sync"

	"subtitle-stt-engine/internal/service/audio"
)

// Config holds the gate parameters. Times are in seconds.
type Config struct {
	Threshold          float64
	MinSilenceDuration float64
	SpeechPad          float64 // added to the end of emitted phrases only
}

// DefaultConfig returns the standard gate settings.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.02,
		MinSilenceDuration: 0.5,
		SpeechPad:          0.2,
	}
}

// State is the detector state.
type State int

const (
	StateIdle State = iota
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Phrase is a span of speech plus trailing silence, ready for recognition.
type Phrase struct {
	Samples []float32
	Start   float64
	End     float64
}

// Duration returns End - Start.
func (p Phrase) Duration() float64 {
	return p.End - p.Start
}

// Detector is the phrase segmenter. It is safe for concurrent use, although the
// pipeline drives it from a single consumer.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	state        State
	phraseStart  float64
	silenceStart float64
	inSilence    bool
	buf          []float32
}

// New creates an idle detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the gate parameters. Buffered chunks are not reclassified.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Process feeds one chunk and returns a phrase when trailing silence has lasted
// at least MinSilenceDuration.
func (d *Detector) Process(chunk audio.AudioChunk) (Phrase, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	voice := chunk.RMS > d.cfg.Threshold
	if voice {
		if d.state == StateIdle {
			d.state = StateSpeaking
			d.phraseStart = chunk.StartTime
		}
		d.inSilence = false
		d.buf = append(d.buf, chunk.Samples...)
		return Phrase{}, false
	}

	if d.state != StateSpeaking {
		return Phrase{}, false
	}

	d.buf = append(d.buf, chunk.Samples...)
	if !d.inSilence {
		d.inSilence = true
		d.silenceStart = chunk.StartTime
	}
	if chunk.StartTime-d.silenceStart < d.cfg.MinSilenceDuration {
		return Phrase{}, false
	}

	p := Phrase{
		Samples: d.buf,
		Start:   d.phraseStart,
		End:     chunk.StartTime + d.cfg.SpeechPad,
	}
	d.reset()
	return p, true
}

// Peek returns a copy of the in-progress phrase without changing state. Its end is
// derived from the accumulated sample count, not the wall clock.
func (d *Detector) Peek() (Phrase, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peek()
}

func (d *Detector) peek() (Phrase, bool) {
	if d.state != StateSpeaking || len(d.buf) == 0 {
		return Phrase{}, false
	}
	samples := make([]float32, len(d.buf))
	copy(samples, d.buf)
	return Phrase{
		Samples: samples,
		Start:   d.phraseStart,
		End:     d.phraseStart + float64(len(samples))/audio.TargetSampleRate,
	}, true
}

// Flush closes the in-progress phrase immediately, padding its end, and resets.
func (d *Detector) Flush() (Phrase, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peek()
	if !ok {
		d.reset()
		return Phrase{}, false
	}
	p.End += d.cfg.SpeechPad
	d.reset()
	return p, true
}

// Reset discards any in-progress phrase.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *Detector) reset() {
	d.state = StateIdle
	d.inSilence = false
	d.silenceStart = 0
	d.phraseStart = 0
	d.buf = nil
}
