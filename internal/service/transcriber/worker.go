// Package transcriber runs speech recognition on a dedicated worker goroutine that
// owns the model. Callers talk to it only through four channels: audio jobs in,
// control commands in (always handled before the next job), results out and log
// events out.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/observability/metrics"
	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/stt"
)

// Worker errors.
var (
	ErrModelLoad       = errors.New("model load failed")
	ErrModelNotReady   = errors.New("model not loaded")
	ErrTranscription   = errors.New("transcription failed")
	ErrCancelled       = errors.New("file transcription cancelled")
	ErrQueueFull       = errors.New("worker queue full")
	ErrShutdownTimeout = errors.New("worker did not stop in time")
	ErrNotStarted      = errors.New("worker not started")
)

// ModelState is the lifecycle of the worker's model.
type ModelState int32

const (
	StateUnloaded ModelState = iota
	StateLoading
	StateReady
	StateError
)

func (s ModelState) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// FileSegmenter splits a file into voice clips. Cleanup must be safe to call
// more than once.
type FileSegmenter interface {
	DetectSilence(ctx context.Context, file string, cfg segmenter.SilenceConfig) ([]segmenter.Segment, error)
	Extract(ctx context.Context, file string, spans []segmenter.Segment, sampleRate, channels int) ([]segmenter.Segment, error)
	Cleanup() error
}

// SegmenterFactory creates a FileSegmenter for one file job.
type SegmenterFactory func(ctx context.Context, sink logging.Sink) (FileSegmenter, error)

// NewFFmpegSegmenter is the default SegmenterFactory.
func NewFFmpegSegmenter(ctx context.Context, sink logging.Sink) (FileSegmenter, error) {
	return segmenter.New(ctx, segmenter.WithSink(sink))
}

// Config holds worker settings.
type Config struct {
	Settings           Settings
	AudioQueueSize     int
	ControlQueueSize   int
	ResultQueueSize    int
	LogQueueSize       int
	PollInterval       time.Duration
	LiveTimeCorrection float64
	ClipSampleRate     int
}

// DefaultConfig returns the standard worker settings.
func DefaultConfig() Config {
	return Config{
		Settings:           DefaultSettings(),
		AudioQueueSize:     64,
		ControlQueueSize:   32,
		ResultQueueSize:    64,
		LogQueueSize:       512,
		PollInterval:       10 * time.Millisecond,
		LiveTimeCorrection: LiveTimeCorrection,
		ClipSampleRate:     16000,
	}
}

// Worker owns a recognizer and serves the transcription protocol.
type Worker struct {
	cfg          Config
	loader       stt.Loader
	newSegmenter SegmenterFactory
	metrics      *metrics.Metrics

	jobs    chan TranscribeRequest
	control chan Command
	results chan Result
	logs    *logging.ChannelSink
	sink    logging.Sink

	state   atomic.Int32
	alive   atomic.Bool
	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
	stop    sync.Once

	// Owned by the loop goroutine.
	settings Settings
	model    stt.Recognizer
	deferred []Command
	quit     bool
}

// New creates a stopped worker. newSegmenter may be nil to use ffmpeg.
func New(loader stt.Loader, newSegmenter SegmenterFactory, cfg Config, logger zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = def.AudioQueueSize
	}
	if cfg.ControlQueueSize <= 0 {
		cfg.ControlQueueSize = def.ControlQueueSize
	}
	if cfg.ResultQueueSize <= 0 {
		cfg.ResultQueueSize = def.ResultQueueSize
	}
	if cfg.LogQueueSize <= 0 {
		cfg.LogQueueSize = def.LogQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClipSampleRate <= 0 {
		cfg.ClipSampleRate = def.ClipSampleRate
	}
	if newSegmenter == nil {
		newSegmenter = NewFFmpegSegmenter
	}

	logs := logging.NewChannelSink(cfg.LogQueueSize)
	return &Worker{
		cfg:          cfg,
		loader:       loader,
		newSegmenter: newSegmenter,
		metrics:      metrics.DefaultMetrics,
		jobs:         make(chan TranscribeRequest, cfg.AudioQueueSize),
		control:      make(chan Command, cfg.ControlQueueSize),
		results:      make(chan Result, cfg.ResultQueueSize),
		logs:         logs,
		sink:         logging.Multi(logs, logging.NewZerologSink(logger)),
		done:         make(chan struct{}),
		settings:     cfg.Settings,
	}
}

// Start launches the worker loop. It may only be called once.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.alive.Store(true)
	go w.run(ctx)
}

// Results returns the result channel. It is closed when the worker exits.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Logs returns the log and progress channel.
func (w *Worker) Logs() <-chan logging.Entry {
	return w.logs.Entries()
}

// State returns the current model state.
func (w *Worker) State() ModelState {
	return ModelState(w.state.Load())
}

// IsAlive reports whether the loop is running.
func (w *Worker) IsAlive() bool {
	return w.alive.Load()
}

// Done is closed when the loop exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// LoadModel asks the worker to load the configured model.
func (w *Worker) LoadModel() error {
	return w.sendControl(LoadModel{})
}

// TranscribeLive queues an incremental request and returns its ID.
func (w *Worker) TranscribeLive(samples []float32, start, end float64) (string, error) {
	req := NewRequest(samples, start, end, false, SourceLive)
	return req.ID, w.Submit(req)
}

// TranscribeFinal queues a final request and returns its ID.
func (w *Worker) TranscribeFinal(samples []float32, start, end float64) (string, error) {
	req := NewRequest(samples, start, end, true, SourceLive)
	return req.ID, w.Submit(req)
}

// Submit queues a request without blocking.
func (w *Worker) Submit(req TranscribeRequest) error {
	if !w.started.Load() {
		return ErrNotStarted
	}
	select {
	case w.jobs <- req:
		return nil
	default:
		w.metrics.RecordJobDropped("queue_full")
		return ErrQueueFull
	}
}

// TranscribeFile queues a whole-file job.
func (w *Worker) TranscribeFile(path string) error {
	return w.sendControl(TranscribeFile{Path: path})
}

// TranscribeFileWithSegments queues a silence-segmented file job.
func (w *Worker) TranscribeFileWithSegments(path string, cfg segmenter.SilenceConfig) error {
	return w.sendControl(TranscribeFileWithSegments{Path: path, Segmentation: cfg})
}

// CancelFile asks the worker to abandon the running file job.
func (w *Worker) CancelFile() error {
	return w.sendControl(CancelFile{})
}

// UpdateSettings changes settings; a model change takes effect on the next LoadModel.
func (w *Worker) UpdateSettings(u SettingsUpdate) error {
	return w.sendControl(ReloadSettings{Update: u})
}

func (w *Worker) sendControl(cmd Command) error {
	if !w.started.Load() {
		return ErrNotStarted
	}
	select {
	case w.control <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown asks the loop to exit and waits up to timeout. When the loop is still
// running after that its context is cancelled and ErrShutdownTimeout is returned.
func (w *Worker) Shutdown(timeout time.Duration) error {
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	default:
	}

	// A full control queue means the loop is busy; the timeout still applies.
	_ = w.sendControl(Shutdown{})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		w.sink.Emit(logging.LevelWarn, "worker shutdown timed out, cancelling", logging.Fields{"timeout": timeout.String()})
		w.stop.Do(w.cancel)
		return ErrShutdownTimeout
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		if w.model != nil {
			if err := w.model.Close(); err != nil {
				w.sink.Emit(logging.LevelWarn, "closing recognizer failed", logging.Fields{"error": err.Error()})
			}
			w.model = nil
		}
		w.alive.Store(false)
		w.stop.Do(w.cancel)
		w.sink.Emit(logging.LevelInfo, "worker stopped", nil)
		close(w.results)
		close(w.done)
	}()

	w.sink.Emit(logging.LevelInfo, "worker started, waiting for commands", logging.Fields{
		"language": w.settings.Language,
		"model":    w.settings.Model.Name(),
	})

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drainControl(ctx)
		if w.quit || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-w.control:
			w.handleControl(ctx, cmd)
		case req := <-w.jobs:
			// Commands that arrived while waiting still go first.
			w.drainControl(ctx)
			if w.quit || ctx.Err() != nil {
				w.sink.Emit(logging.LevelInfo, "dropping job on shutdown", logging.Fields{"requestId": req.ID})
				return
			}
			w.handleJob(ctx, req)
		case <-ticker.C:
		}
	}
}

func (w *Worker) drainControl(ctx context.Context) {
	for !w.quit {
		select {
		case cmd := <-w.control:
			w.handleControl(ctx, cmd)
		default:
			return
		}
	}
}

func (w *Worker) handleControl(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case LoadModel:
		w.metrics.RecordCommand(c.Kind().String())
		w.loadModel(ctx)
	case TranscribeFile:
		w.metrics.RecordCommand(c.Kind().String())
		w.transcribeFile(ctx, c)
		w.replayDeferred(ctx)
	case TranscribeFileWithSegments:
		w.metrics.RecordCommand(c.Kind().String())
		w.transcribeSegmented(ctx, c)
		w.replayDeferred(ctx)
	case CancelFile:
		w.metrics.RecordCommand(c.Kind().String())
		w.sink.Emit(logging.LevelDebug, "cancel requested with no file job running", nil)
	case Shutdown:
		w.metrics.RecordCommand(c.Kind().String())
		w.sink.Emit(logging.LevelInfo, "shutdown requested", nil)
		w.quit = true
	case ReloadSettings:
		w.metrics.RecordCommand(c.Kind().String())
		w.applySettings(c.Update)
	case TranscribeRequest:
		w.handleJob(ctx, c)
	default:
		w.sink.Emit(logging.LevelWarn, "unknown command ignored", logging.Fields{"kind": cmd.Kind().String()})
	}
}

// replayDeferred runs commands that arrived during a file job, in arrival order.
func (w *Worker) replayDeferred(ctx context.Context) {
	for len(w.deferred) > 0 && !w.quit && ctx.Err() == nil {
		cmd := w.deferred[0]
		w.deferred = w.deferred[1:]
		w.handleControl(ctx, cmd)
	}
	if w.quit && len(w.deferred) > 0 {
		w.sink.Emit(logging.LevelInfo, "discarding deferred commands on shutdown", logging.Fields{"count": len(w.deferred)})
		w.deferred = nil
	}
}

func (w *Worker) applySettings(u SettingsUpdate) {
	changed := w.settings.Apply(u)
	w.sink.Emit(logging.LevelInfo, "settings updated", logging.Fields{
		"changed":  changed,
		"language": w.settings.Language,
		"model":    w.settings.Model.Name(),
	})
}

func (w *Worker) setState(s ModelState) {
	w.state.Store(int32(s))
	w.metrics.RecordModelState(int(s))
}

func (w *Worker) loadModel(ctx context.Context) {
	requestID := uuid.NewString()
	w.setState(StateLoading)
	w.sink.Emit(logging.LevelInfo, "loading model", logging.Fields{
		"requestId":   requestID,
		"model":       w.settings.Model.Name(),
		"device":      w.settings.Model.Device,
		"computeType": w.settings.Model.ComputeType,
	})

	if w.model != nil {
		if err := w.model.Close(); err != nil {
			w.sink.Emit(logging.LevelWarn, "closing previous recognizer failed", logging.Fields{"error": err.Error()})
		}
		w.model = nil
	}

	start := time.Now()
	rec, err := w.loader.Load(ctx, w.settings.Model)
	if err != nil {
		w.setState(StateError)
		w.sink.Emit(logging.LevelError, "model load failed", logging.Fields{
			"requestId": requestID,
			"error":     err.Error(),
			"model":     w.settings.Model.Name(),
		})
		w.metrics.RecordJob(CmdLoadModel.String(), "error", time.Since(start).Seconds())
		w.emit(ctx, Result{Kind: ResultModelError, RequestID: requestID, Err: fmt.Errorf("%w: %w", ErrModelLoad, err)})
		return
	}

	w.model = rec
	w.setState(StateReady)
	w.sink.Emit(logging.LevelInfo, "model loaded", logging.Fields{
		"requestId": requestID,
		"elapsed":   time.Since(start).String(),
	})
	w.metrics.RecordJob(CmdLoadModel.String(), "ok", time.Since(start).Seconds())
	w.emit(ctx, Result{Kind: ResultModelReady, RequestID: requestID})
}

// emit delivers a result, blocking until the consumer reads it or ctx ends.
func (w *Worker) emit(ctx context.Context, r Result) {
	select {
	case w.results <- r:
	case <-ctx.Done():
		w.sink.Emit(logging.LevelWarn, "result dropped on cancellation", logging.Fields{"kind": r.Kind.String()})
	}
}
