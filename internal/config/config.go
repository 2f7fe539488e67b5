// Package config loads service configuration from an optional YAML file and the
// environment. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Live          LiveConfig          `yaml:"live"`
	STT           STTConfig           `yaml:"stt"`
	Worker        WorkerConfig        `yaml:"worker"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal string `yaml:"principal"`
	GRPCPort  string `yaml:"grpcPort"`
	HTTPPort  string `yaml:"httpPort"`
}

// AudioConfig selects the capture device. A negative Device means the system
// default input.
type AudioConfig struct {
	Device        int           `yaml:"device"`
	Loopback      bool          `yaml:"loopback"`
	ChunkDuration time.Duration `yaml:"chunkDuration"`
	QueueSize     int           `yaml:"queueSize"`
}

type VADConfig struct {
	Threshold          float64 `yaml:"threshold"`
	MinSilenceDuration float64 `yaml:"minSilenceDuration"`
	SpeechPad          float64 `yaml:"speechPad"`
}

type LiveConfig struct {
	LiveInterval      float64 `yaml:"liveInterval"`
	MaxPhraseDuration float64 `yaml:"maxPhraseDuration"`
}

// STTConfig selects the recognizer backend (mock, google or helper) and the
// model it loads.
type STTConfig struct {
	Provider        string         `yaml:"provider"`
	Language        string         `yaml:"language"`
	Model           string         `yaml:"model"`
	Device          string         `yaml:"device"`
	ComputeType     string         `yaml:"computeType"`
	CustomModelPath string         `yaml:"customModelPath"`
	ModelDir        string         `yaml:"modelDir"`
	Extra           map[string]any `yaml:"extra"`

	GoogleLanguageCode string   `yaml:"googleLanguageCode"`
	HelperCommand      string   `yaml:"helperCommand"`
	HelperArgs         []string `yaml:"helperArgs"`
}

type WorkerConfig struct {
	AudioQueueSize     int           `yaml:"audioQueueSize"`
	ControlQueueSize   int           `yaml:"controlQueueSize"`
	ResultQueueSize    int           `yaml:"resultQueueSize"`
	LiveTimeCorrection float64       `yaml:"liveTimeCorrection"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
}

type SegmenterConfig struct {
	NoiseThresholdDB   float64       `yaml:"noiseThresholdDb"`
	MinSilenceDuration float64       `yaml:"minSilenceDuration"`
	Padding            time.Duration `yaml:"padding"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topicPartial"`
	TopicFinal   string   `yaml:"topicFinal"`
	TopicStatus  string   `yaml:"topicStatus"`
	Principal    string   `yaml:"principal"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal: "svc-subtitle-stt",
			GRPCPort:  "50051",
			HTTPPort:  "8080",
		},
		Audio: AudioConfig{
			Device:        -1,
			ChunkDuration: 100 * time.Millisecond,
			QueueSize:     256,
		},
		VAD: VADConfig{
			Threshold:          0.02,
			MinSilenceDuration: 0.5,
			SpeechPad:          0.2,
		},
		Live: LiveConfig{
			LiveInterval:      0.5,
			MaxPhraseDuration: 15,
		},
		STT: STTConfig{
			Provider:           "mock",
			Language:           "ko",
			Model:              "large-v3-turbo",
			Device:             "cuda",
			ComputeType:        "float16",
			GoogleLanguageCode: "ko-KR",
		},
		Worker: WorkerConfig{
			AudioQueueSize:     64,
			ControlQueueSize:   32,
			ResultQueueSize:    64,
			LiveTimeCorrection: 0.05,
			ShutdownTimeout:    5 * time.Second,
		},
		Segmenter: SegmenterConfig{
			NoiseThresholdDB:   -30,
			MinSilenceDuration: 0.5,
			Padding:            100 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			TopicPartial: "subtitle.partial",
			TopicFinal:   "subtitle.final",
			TopicStatus:  "worker.status",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads CONFIG_FILE when set and then applies the environment. A file that
// cannot be read is logged and ignored.
func Load() *Configuration {
	cfg, err := LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Warn().Err(err).Msg("Config file ignored")
		cfg = Default()
	}
	applyEnv(cfg)
	return cfg
}

// LoadFile returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func LoadFile(path string) (*Configuration, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Configuration) {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.GRPCPort = envOrDefault("GRPC_PORT", cfg.Service.GRPCPort)
	cfg.Service.HTTPPort = envOrDefault("HTTP_PORT", cfg.Service.HTTPPort)

	cfg.Audio.Device = envOrDefaultInt("AUDIO_DEVICE", cfg.Audio.Device)
	cfg.Audio.Loopback = envOrDefaultBool("AUDIO_LOOPBACK", cfg.Audio.Loopback)
	cfg.Audio.ChunkDuration = envOrDefaultDuration("AUDIO_CHUNK_DURATION", cfg.Audio.ChunkDuration)
	cfg.Audio.QueueSize = envOrDefaultInt("AUDIO_QUEUE_SIZE", cfg.Audio.QueueSize)

	cfg.VAD.Threshold = envOrDefaultFloat("VAD_THRESHOLD", cfg.VAD.Threshold)
	cfg.VAD.MinSilenceDuration = envOrDefaultFloat("VAD_MIN_SILENCE_DURATION", cfg.VAD.MinSilenceDuration)
	cfg.VAD.SpeechPad = envOrDefaultFloat("VAD_SPEECH_PAD", cfg.VAD.SpeechPad)

	cfg.Live.LiveInterval = envOrDefaultFloat("LIVE_INTERVAL", cfg.Live.LiveInterval)
	cfg.Live.MaxPhraseDuration = envOrDefaultFloat("LIVE_MAX_PHRASE_DURATION", cfg.Live.MaxPhraseDuration)

	cfg.STT.Provider = envOrDefault("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.Language = envOrDefault("STT_LANGUAGE", cfg.STT.Language)
	cfg.STT.Model = envOrDefault("STT_MODEL", cfg.STT.Model)
	cfg.STT.Device = envOrDefault("STT_DEVICE", cfg.STT.Device)
	cfg.STT.ComputeType = envOrDefault("STT_COMPUTE_TYPE", cfg.STT.ComputeType)
	cfg.STT.CustomModelPath = envOrDefault("STT_CUSTOM_MODEL_PATH", cfg.STT.CustomModelPath)
	cfg.STT.ModelDir = envOrDefault("STT_MODEL_DIR", cfg.STT.ModelDir)
	cfg.STT.GoogleLanguageCode = envOrDefault("STT_GOOGLE_LANGUAGE_CODE", cfg.STT.GoogleLanguageCode)
	cfg.STT.HelperCommand = envOrDefault("STT_HELPER_COMMAND", cfg.STT.HelperCommand)
	cfg.STT.HelperArgs = envOrDefaultList("STT_HELPER_ARGS", cfg.STT.HelperArgs)

	cfg.Worker.AudioQueueSize = envOrDefaultInt("WORKER_AUDIO_QUEUE_SIZE", cfg.Worker.AudioQueueSize)
	cfg.Worker.ControlQueueSize = envOrDefaultInt("WORKER_CONTROL_QUEUE_SIZE", cfg.Worker.ControlQueueSize)
	cfg.Worker.ResultQueueSize = envOrDefaultInt("WORKER_RESULT_QUEUE_SIZE", cfg.Worker.ResultQueueSize)
	cfg.Worker.LiveTimeCorrection = envOrDefaultFloat("WORKER_LIVE_TIME_CORRECTION", cfg.Worker.LiveTimeCorrection)
	cfg.Worker.ShutdownTimeout = envOrDefaultDuration("WORKER_SHUTDOWN_TIMEOUT", cfg.Worker.ShutdownTimeout)

	cfg.Segmenter.NoiseThresholdDB = envOrDefaultFloat("SEGMENTER_NOISE_DB", cfg.Segmenter.NoiseThresholdDB)
	cfg.Segmenter.MinSilenceDuration = envOrDefaultFloat("SEGMENTER_MIN_SILENCE", cfg.Segmenter.MinSilenceDuration)
	cfg.Segmenter.Padding = envOrDefaultDuration("SEGMENTER_PADDING", cfg.Segmenter.Padding)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	cfg.Kafka.TopicStatus = envOrDefault("KAFKA_TOPIC_STATUS", cfg.Kafka.TopicStatus)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
