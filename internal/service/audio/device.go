package audio

import (
	"context"
	"errors"
	"time"
)

// Capture errors.
var (
	ErrDeviceUnavailable  = errors.New("audio device unavailable")
	ErrStreamStartFailure = errors.New("audio stream failed to start")
	ErrDeviceQueryTimeout = errors.New("audio device query timed out")
)

// Device describes a capture-capable endpoint.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// StreamConfig is what the engine asks the backend to open.
type StreamConfig struct {
	SampleRate float64
	Channels   int
	BlockSize  int
	Loopback   bool
}

// Callback receives one hardware buffer of interleaved float32 samples.
// It runs on the audio subsystem's thread.
type Callback func(interleaved []float32, frames int)

// Stream is an opened hardware input stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend is the platform audio API.
type Backend interface {
	Devices(ctx context.Context) ([]Device, error)
	DefaultInput(ctx context.Context) (Device, error)
	Open(dev Device, cfg StreamConfig, cb Callback) (Stream, error)
}

type queryResult[T any] struct {
	v   T
	err error
}

// query runs fn in its own goroutine so a wedged audio driver cannot hang the caller
// past timeout.
func query[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan queryResult[T], 1)
	go func() {
		v, err := fn(qctx)
		ch <- queryResult[T]{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-qctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrDeviceQueryTimeout
	}
}
