// Package stt defines the speech recognizer boundary used by the transcription worker.
package stt

import (
	"context"
	"errors"
	"io"
)

// ErrNoInput is returned when an Input carries neither samples nor a path.
var ErrNoInput = errors.New("recognizer input has neither samples nor path")

// Options are the recognition flags the worker controls, plus free-form extras
// forwarded to the backend.
type Options struct {
	Language          string // empty means auto-detect
	WordTimestamps    bool
	VADFilter         bool
	WithoutTimestamps bool
	Extra             map[string]any
}

// Word is a recognized word with times relative to the start of the input.
type Word struct {
	Start       float64
	End         float64
	Text        string
	Probability float64
}

// Segment is one recognized span with times relative to the start of the input.
type Segment struct {
	Start      float64
	End        float64
	Text       string
	Words      []Word
	AvgLogprob float64
}

// Input is either 16 kHz mono samples or a path to a media file.
type Input struct {
	Samples []float32
	Path    string
}

// IsFile reports whether the input refers to a file.
func (in Input) IsFile() bool {
	return in.Path != ""
}

// Validate checks that the input carries audio.
func (in Input) Validate() error {
	if in.Path == "" && in.Samples == nil {
		return ErrNoInput
	}
	return nil
}

// Info describes the recognized input.
type Info struct {
	Duration float64
	Language string
}

// SegmentStream yields segments one at a time. Next returns io.EOF after the last one.
// Callers can stop between segments and must Close the stream.
type SegmentStream interface {
	Next() (Segment, error)
	Close() error
}

// Recognizer turns audio into segments.
type Recognizer interface {
	Transcribe(ctx context.Context, in Input, opts Options) (SegmentStream, Info, error)
	Close() error
}

// ModelConfig selects and places a model.
type ModelConfig struct {
	Model           string
	Device          string
	ComputeType     string
	CustomModelPath string
	ModelDir        string
}

// Name returns the custom model path when set, otherwise the model identifier.
func (c ModelConfig) Name() string {
	if c.CustomModelPath != "" {
		return c.CustomModelPath
	}
	return c.Model
}

// Loader builds a Recognizer for a model configuration.
type Loader interface {
	Load(ctx context.Context, cfg ModelConfig) (Recognizer, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, cfg ModelConfig) (Recognizer, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, cfg ModelConfig) (Recognizer, error) {
	return f(ctx, cfg)
}

// SliceStream serves a precomputed list of segments.
type SliceStream struct {
	segments []Segment
	next     int
}

// NewSliceStream returns a stream over segments.
func NewSliceStream(segments []Segment) *SliceStream {
	return &SliceStream{segments: segments}
}

// Next implements SegmentStream.
func (s *SliceStream) Next() (Segment, error) {
	if s.next >= len(s.segments) {
		return Segment{}, io.EOF
	}
	seg := s.segments[s.next]
	s.next++
	return seg, nil
}

// Close implements SegmentStream.
func (s *SliceStream) Close() error {
	return nil
}

// Collect drains a stream and closes it.
func Collect(stream SegmentStream) ([]Segment, error) {
	defer stream.Close()
	var out []Segment
	for {
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, seg)
	}
}
