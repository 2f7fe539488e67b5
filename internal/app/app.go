package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"

	"subtitle-stt-engine/internal/config"
	"subtitle-stt-engine/internal/events"
	"subtitle-stt-engine/internal/observability"
	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/observability/metrics"
	"subtitle-stt-engine/internal/schema"
	"subtitle-stt-engine/internal/service/audio"
	"subtitle-stt-engine/internal/service/audio/malgo"
	"subtitle-stt-engine/internal/service/pipeline"
	"subtitle-stt-engine/internal/service/segment"
	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/stt"
	"subtitle-stt-engine/internal/service/transcriber"
	"subtitle-stt-engine/internal/service/vad"
)

// Application holds process-wide state for the service: the capture engine,
// the transcription worker and the event pipeline between them.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	SessionID   string

	Worker *transcriber.Worker
	Engine *audio.Engine

	publisher      pipeline.Publisher
	closePublisher func() error
	backend        audio.Backend
	loader         stt.Loader
	health         *health.Server

	index     *pipeline.PhraseIndex
	ids       *segment.Generator
	session   *pipeline.LiveSession
	forwarder *pipeline.Forwarder
	logs      *logRing

	cancel        context.CancelFunc
	cancelCapture context.CancelFunc
	captureDone   chan struct{}
	forwardDone   chan struct{}
	shutdownOnce  sync.Once
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Application)

// WithCaptureBackend replaces the hardware audio backend.
func WithCaptureBackend(b audio.Backend) Option {
	return func(a *Application) { a.backend = b }
}

// WithLoader replaces the recognizer loader chosen from the configuration.
func WithLoader(l stt.Loader) Option {
	return func(a *Application) { a.loader = l }
}

// WithPublisher replaces the Kafka publisher.
func WithPublisher(p pipeline.Publisher) Option {
	return func(a *Application) { a.publisher = p }
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration, opts ...Option) (*Application, error) {
	a := &Application{
		Cfg:       cfg,
		SessionID: uuid.NewString(),
		index:     pipeline.NewBoundedPhraseIndex(cfg.Worker.AudioQueueSize + cfg.Worker.ResultQueueSize + 1),
		ids:       segment.New(),
		logs:      newLogRing(200),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	if a.loader == nil {
		loader, err := NewLoader(cfg.STT, logging.WithComponent("recognizer"))
		if err != nil {
			return nil, err
		}
		a.loader = loader
	}
	if a.backend == nil {
		backend, err := malgo.New(logging.WithComponent("capture"))
		if err != nil {
			return nil, fmt.Errorf("init capture backend: %w", err)
		}
		a.backend = backend
	}
	if a.publisher == nil {
		p := events.New(&events.Config{
			Enabled:      cfg.Kafka.Enabled,
			Brokers:      cfg.Kafka.Brokers,
			TopicPartial: cfg.Kafka.TopicPartial,
			TopicFinal:   cfg.Kafka.TopicFinal,
			TopicStatus:  cfg.Kafka.TopicStatus,
			Principal:    cfg.Kafka.Principal,
		})
		a.publisher = p
		a.closePublisher = p.Close
	}

	a.Worker = transcriber.New(a.loader, nil, WorkerConfig(cfg), logging.WithComponent("worker"))
	a.Engine = audio.NewEngine(a.backend, audio.Options{
		ChunkDuration: cfg.Audio.ChunkDuration,
		QueueSize:     cfg.Audio.QueueSize,
	}, logging.WithComponent("capture"))

	sessionLogger := logging.WithSession(a.SessionID)
	a.session = pipeline.NewLiveSession(
		a.SessionID,
		vad.New(vad.Config{
			Threshold:          cfg.VAD.Threshold,
			MinSilenceDuration: cfg.VAD.MinSilenceDuration,
			SpeechPad:          cfg.VAD.SpeechPad,
		}),
		a.Worker,
		a.index,
		a.ids,
		pipeline.SessionConfig{
			LiveInterval:      cfg.Live.LiveInterval,
			MaxPhraseDuration: cfg.Live.MaxPhraseDuration,
		},
		sessionLogger,
	)
	a.forwarder = pipeline.NewForwarder(a.SessionID, a.index, a.ids, schema.New(), a.publisher, sessionLogger)

	appLogger.Info().
		Str("sessionId", a.SessionID).
		Str("provider", cfg.STT.Provider).
		Msg("Subtitle STT engine application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     a.Cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Msg("Logger setup completed")
}

// AttachHealth lets the application drive the gRPC health status from the
// model state.
func (a *Application) AttachHealth(h *health.Server) {
	a.health = h
	observability.SetServing(h, a.Ready())
}

// Start launches the worker, requests the model load and opens the capture stream.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Subtitle STT engine starting")

	ctx, a.cancel = context.WithCancel(ctx)

	a.Worker.Start(ctx)
	a.forwardDone = make(chan struct{})
	go a.forwardResults(ctx)
	go a.collectLogs(ctx)

	if err := a.Worker.LoadModel(); err != nil {
		return fmt.Errorf("request model load: %w", err)
	}

	var device *int
	if a.Cfg.Audio.Device >= 0 {
		idx := a.Cfg.Audio.Device
		device = &idx
	}
	a.Engine.Configure(device, a.Cfg.Audio.Loopback)
	a.Engine.SetOnRMS(metrics.DefaultMetrics.RecordRMS)
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}

	var captureCtx context.Context
	captureCtx, a.cancelCapture = context.WithCancel(ctx)
	a.captureDone = make(chan struct{})
	go func() {
		defer close(a.captureDone)
		a.session.Run(captureCtx, a.Engine.Chunks())
	}()
	return nil
}

func (a *Application) forwardResults(ctx context.Context) {
	defer close(a.forwardDone)
	for {
		var r transcriber.Result
		select {
		case <-ctx.Done():
			return
		case res, ok := <-a.Worker.Results():
			if !ok {
				return
			}
			r = res
		}

		switch r.Kind {
		case transcriber.ResultModelReady:
			a.setServing(true)
		case transcriber.ResultModelError:
			a.setServing(false)
			a.Logger.Error().Err(r.Err).Msg("Model failed to load")
		}
		// Publishing continues through shutdown so the last results are not lost.
		a.forwarder.Handle(context.WithoutCancel(ctx), r)
	}
}

func (a *Application) collectLogs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.Worker.Logs():
			a.logs.add(e)
		}
	}
}

func (a *Application) setServing(serving bool) {
	if a.health != nil {
		observability.SetServing(a.health, serving)
	}
}

// Ready reports whether the model is loaded.
func (a *Application) Ready() bool {
	return a.Worker.State() == transcriber.StateReady
}

// Status is the JSON body of the status endpoint.
type Status struct {
	SessionID       string    `json:"sessionId"`
	StartupTime     time.Time `json:"startupTime"`
	ModelState      string    `json:"modelState"`
	WorkerAlive     bool      `json:"workerAlive"`
	Capturing       bool      `json:"capturing"`
	Device          string    `json:"device,omitempty"`
	SegmentsIssued  uint64    `json:"segmentsIssued"`
	PendingRequests int       `json:"pendingRequests"`
}

// Status returns a snapshot of the engine.
func (a *Application) Status() any {
	st := Status{
		SessionID:       a.SessionID,
		StartupTime:     a.StartupTime,
		ModelState:      a.Worker.State().String(),
		WorkerAlive:     a.Worker.IsAlive(),
		Capturing:       a.Engine.IsRunning(),
		SegmentsIssued:  a.ids.Issued(),
		PendingRequests: a.index.Len(),
	}
	if dev, ok := a.Engine.Device(); ok {
		st.Device = dev.Name
	}
	return st
}

// RecentLogs returns the latest worker log lines.
func (a *Application) RecentLogs() any {
	return a.logs.snapshot()
}

// LoadModel asks the worker to (re)load the model.
func (a *Application) LoadModel() error {
	return a.Worker.LoadModel()
}

// TranscribeFile queues an offline file job, optionally cut at silences first.
func (a *Application) TranscribeFile(path string, segmented bool) error {
	if !segmented {
		return a.Worker.TranscribeFile(path)
	}
	return a.Worker.TranscribeFileWithSegments(path, segmenter.SilenceConfig{
		NoiseThresholdDB:   a.Cfg.Segmenter.NoiseThresholdDB,
		MinSilenceDuration: a.Cfg.Segmenter.MinSilenceDuration,
		Padding:            a.Cfg.Segmenter.Padding,
	})
}

// CancelFile cancels the running file job.
func (a *Application) CancelFile() error {
	return a.Worker.CancelFile()
}

// UpdateSettings queues a settings change for the worker.
func (a *Application) UpdateSettings(u transcriber.SettingsUpdate) error {
	return a.Worker.UpdateSettings(u)
}

// Shutdown stops capture, flushes the open phrase and stops the worker. It is
// safe to call more than once.
func (a *Application) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *Application) shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Subtitle STT engine shutting down")
	a.setServing(false)

	if err := a.Engine.Stop(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Capture stop failed")
	}
	if a.cancelCapture != nil {
		a.cancelCapture()
		<-a.captureDone
	}

	if err := a.Worker.Shutdown(a.Cfg.Worker.ShutdownTimeout); err != nil && !errors.Is(err, transcriber.ErrNotStarted) {
		shutdownLogger.Warn().Err(err).Msg("Worker did not stop cleanly")
	}
	if a.forwardDone != nil {
		select {
		case <-a.forwardDone:
		case <-time.After(a.Cfg.Worker.ShutdownTimeout):
			shutdownLogger.Warn().
				Dur("timeout", a.Cfg.Worker.ShutdownTimeout).
				Msg("Result forwarding did not finish, abandoning it")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.closePublisher != nil {
		if err := a.closePublisher(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Publisher close failed")
		}
	}
	if c, ok := a.backend.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Capture backend close failed")
		}
	}
}
