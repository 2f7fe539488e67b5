package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/observability/metrics"
)

// Options tunes the capture engine.
type Options struct {
	ChunkDuration      time.Duration // hardware block length
	QueueSize          int           // bounded pull queue
	DeviceQueryTimeout time.Duration
}

// DefaultOptions returns the standard capture settings.
func DefaultOptions() Options {
	return Options{
		ChunkDuration:      100 * time.Millisecond,
		QueueSize:          256,
		DeviceQueryTimeout: 5 * time.Second,
	}
}

// Engine owns the hardware input stream and publishes AudioChunks.
//
// The frame counter is written only by the stream callback and advances on every
// callback while the stream is open, including while paused. Chunk start times are
// derived from it, so they stay gap-free across Pause/Resume.
type Engine struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex // guards control-plane state below
	deviceIndex *int
	loopback    bool
	stream      Stream
	device      Device

	running atomic.Bool
	frames  atomic.Uint64
	chunks  chan AudioChunk

	onRMS   atomic.Pointer[func(float64)]
	onChunk atomic.Pointer[func(AudioChunk)]
}

// NewEngine creates a stopped engine on top of backend.
func NewEngine(backend Backend, opts Options, logger zerolog.Logger) *Engine {
	def := DefaultOptions()
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = def.ChunkDuration
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.DeviceQueryTimeout <= 0 {
		opts.DeviceQueryTimeout = def.DeviceQueryTimeout
	}
	return &Engine{
		backend: backend,
		opts:    opts,
		logger:  logger,
		metrics: metrics.DefaultMetrics,
		chunks:  make(chan AudioChunk, opts.QueueSize),
	}
}

// Configure selects the device and capture mode used by the next Start.
// A nil deviceIndex means the platform default input.
func (e *Engine) Configure(deviceIndex *int, loopback bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if deviceIndex != nil {
		idx := *deviceIndex
		e.deviceIndex = &idx
	} else {
		e.deviceIndex = nil
	}
	e.loopback = loopback
}

// SetOnRMS registers an observer called with each chunk's RMS. Pass nil to clear.
func (e *Engine) SetOnRMS(fn func(float64)) {
	if fn == nil {
		e.onRMS.Store(nil)
		return
	}
	e.onRMS.Store(&fn)
}

// SetOnChunk registers an observer called with each published chunk. Pass nil to clear.
func (e *Engine) SetOnChunk(fn func(AudioChunk)) {
	if fn == nil {
		e.onChunk.Store(nil)
		return
	}
	e.onChunk.Store(&fn)
}

// Chunks returns the pull queue.
func (e *Engine) Chunks() <-chan AudioChunk {
	return e.chunks
}

// IsRunning reports whether callbacks currently produce chunks.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Device returns the device of the open stream.
func (e *Engine) Device() (Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device, e.stream != nil
}

// ListDevices returns the devices that expose input channels.
func (e *Engine) ListDevices(ctx context.Context) ([]Device, error) {
	all, err := query(ctx, e.opts.DeviceQueryTimeout, e.backend.Devices)
	if err != nil {
		return nil, err
	}
	inputs := make([]Device, 0, len(all))
	for _, d := range all {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, d)
		}
	}
	return inputs, nil
}

// Start opens and starts the hardware stream. On any failure the engine is left
// stopped with no stream open. Starting an already open engine resumes it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream != nil {
		e.running.Store(true)
		return nil
	}

	dev, err := e.resolveDevice(ctx)
	if err != nil {
		e.metrics.RecordCaptureStartFailure("device")
		return err
	}
	if dev.MaxInputChannels <= 0 {
		e.metrics.RecordCaptureStartFailure("device")
		if e.loopback {
			return fmt.Errorf("%w: %q has no capturable loopback channels", ErrDeviceUnavailable, dev.Name)
		}
		return fmt.Errorf("%w: %q has no input channels", ErrDeviceUnavailable, dev.Name)
	}
	if dev.DefaultSampleRate <= 0 {
		e.metrics.RecordCaptureStartFailure("device")
		return fmt.Errorf("%w: %q reports no sample rate", ErrDeviceUnavailable, dev.Name)
	}

	channels := 1
	if dev.MaxInputChannels >= 2 {
		channels = 2
	}
	rate := dev.DefaultSampleRate
	cfg := StreamConfig{
		SampleRate: rate,
		Channels:   channels,
		BlockSize:  int(rate * e.opts.ChunkDuration.Seconds()),
		Loopback:   e.loopback,
	}

	e.frames.Store(0)
	stream, err := e.backend.Open(dev, cfg, func(in []float32, frames int) {
		e.process(in, frames, rate, channels)
	})
	if err != nil {
		e.metrics.RecordCaptureStartFailure("open")
		return fmt.Errorf("%w: open %q: %v", ErrStreamStartFailure, dev.Name, err)
	}

	e.running.Store(true)
	if err := stream.Start(); err != nil {
		e.running.Store(false)
		if cerr := stream.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("Failed to close stream after start failure")
		}
		e.metrics.RecordCaptureStartFailure("start")
		return fmt.Errorf("%w: start %q: %v", ErrStreamStartFailure, dev.Name, err)
	}

	e.stream = stream
	e.device = dev
	e.metrics.RecordCaptureRunning(true)
	e.logger.Info().
		Int("device", dev.Index).
		Str("name", dev.Name).
		Float64("rate", rate).
		Int("channels", channels).
		Int("blockSize", cfg.BlockSize).
		Bool("loopback", cfg.Loopback).
		Msg("Capture started")
	return nil
}

func (e *Engine) resolveDevice(ctx context.Context) (Device, error) {
	if e.deviceIndex == nil {
		dev, err := query(ctx, e.opts.DeviceQueryTimeout, e.backend.DefaultInput)
		if err != nil {
			if errors.Is(err, ErrDeviceQueryTimeout) || errors.Is(err, ErrDeviceUnavailable) {
				return Device{}, err
			}
			return Device{}, fmt.Errorf("%w: default input: %v", ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	devices, err := query(ctx, e.opts.DeviceQueryTimeout, e.backend.Devices)
	if err != nil {
		if errors.Is(err, ErrDeviceQueryTimeout) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.Index == *e.deviceIndex {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no device with index %d", ErrDeviceUnavailable, *e.deviceIndex)
}

// Stop halts and closes the stream. Safe to call repeatedly or before Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running.Store(false)
	if e.stream == nil {
		return nil
	}
	stream := e.stream
	e.stream = nil
	e.metrics.RecordCaptureRunning(false)

	stopErr := stream.Stop()
	closeErr := stream.Close()
	e.logger.Info().Uint64("frames", e.frames.Load()).Msg("Capture stopped")
	return errors.Join(stopErr, closeErr)
}

// Pause stops chunk production while keeping the stream, and its frame counter, alive.
func (e *Engine) Pause() {
	e.running.Store(false)
}

// Resume restarts chunk production on an open stream.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		e.running.Store(true)
	}
}

// process is the hardware callback body. It never blocks.
func (e *Engine) process(in []float32, frames int, rate float64, channels int) {
	before := e.frames.Add(uint64(max(frames, 0))) - uint64(max(frames, 0))
	if !e.running.Load() {
		return
	}

	if frames <= 0 || len(in) < frames*channels {
		e.logger.Warn().Int("frames", frames).Int("samples", len(in)).Msg("Malformed capture buffer")
		e.metrics.RecordCallback(false, "malformed")
		return
	}

	samples, err := Resample(Downmix(in[:frames*channels], channels), rate)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Resample failed")
		e.metrics.RecordCallback(false, "resample")
		return
	}

	chunk := AudioChunk{
		Samples:   samples,
		StartTime: float64(before) / rate,
		RMS:       RMS(samples),
	}

	select {
	case e.chunks <- chunk:
		e.metrics.RecordCallback(true, "")
	default:
		e.metrics.RecordCallback(false, "queue_full")
	}
	e.metrics.RecordRMS(chunk.RMS)

	if fn := e.onRMS.Load(); fn != nil {
		(*fn)(chunk.RMS)
	}
	if fn := e.onChunk.Load(); fn != nil {
		(*fn)(chunk)
	}
}
