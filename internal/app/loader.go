package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/config"
	"subtitle-stt-engine/internal/service/stt"
	"subtitle-stt-engine/internal/service/stt/google"
	"subtitle-stt-engine/internal/service/stt/helper"
	"subtitle-stt-engine/internal/service/stt/mock"
	"subtitle-stt-engine/internal/service/transcriber"
)

// ErrUnknownProvider is returned for an STT provider name that has no backend.
var ErrUnknownProvider = errors.New("unknown STT provider")

// NewLoader returns the recognizer loader for the configured provider.
func NewLoader(cfg config.STTConfig, logger zerolog.Logger) (stt.Loader, error) {
	switch strings.ToLower(cfg.Provider) {
	case "mock", "":
		return &mock.Loader{Recognizer: mock.New(mock.DefaultConfig())}, nil
	case "google":
		gcfg := google.DefaultConfig()
		if cfg.GoogleLanguageCode != "" {
			gcfg.LanguageCode = cfg.GoogleLanguageCode
		}
		return google.Loader{Config: gcfg}, nil
	case "helper":
		if cfg.HelperCommand == "" {
			return nil, fmt.Errorf("%w: helper requires a command", ErrUnknownProvider)
		}
		return helper.Loader{
			Config: helper.Config{Command: cfg.HelperCommand, Args: cfg.HelperArgs},
			Logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// WorkerConfig maps the service configuration onto the worker's.
func WorkerConfig(cfg *config.Configuration) transcriber.Config {
	wc := transcriber.DefaultConfig()
	wc.Settings = transcriber.Settings{
		Language: cfg.STT.Language,
		Model: stt.ModelConfig{
			Model:           cfg.STT.Model,
			Device:          cfg.STT.Device,
			ComputeType:     cfg.STT.ComputeType,
			CustomModelPath: cfg.STT.CustomModelPath,
			ModelDir:        cfg.STT.ModelDir,
		},
		Extra: cfg.STT.Extra,
	}
	wc.AudioQueueSize = cfg.Worker.AudioQueueSize
	wc.ControlQueueSize = cfg.Worker.ControlQueueSize
	wc.ResultQueueSize = cfg.Worker.ResultQueueSize
	wc.LiveTimeCorrection = cfg.Worker.LiveTimeCorrection
	return wc
}
