// Command filetranscribe transcribes one audio or video file and writes the
// subtitles as JSON lines. Ctrl-C cancels the job at the next segment boundary.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"subtitle-stt-engine/internal/app"
	"subtitle-stt-engine/internal/config"
	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/schema"
	"subtitle-stt-engine/internal/service/pipeline"
	"subtitle-stt-engine/internal/service/segment"
	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/transcriber"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

func main() {
	cfg := config.Load()

	file := flag.String("file", "", "Path to the audio or video file")
	segmented := flag.Bool("segmented", false, "Cut the file at silences with ffmpeg before recognition")
	language := flag.String("language", cfg.STT.Language, "Recognition language, or auto")
	output := flag.String("out", "", "Output file (default stdout)")
	noise := flag.Float64("noise-db", cfg.Segmenter.NoiseThresholdDB, "Silence threshold in dB")
	minSilence := flag.Float64("min-silence", cfg.Segmenter.MinSilenceDuration, "Minimum silence in seconds")
	flag.Parse()

	// Subtitles own stdout.
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     "console",
		TimeFormat: time.RFC3339,
		Output:     os.Stderr,
	})

	if *file == "" {
		log.Fatal().Msg("-file is required")
	}
	if _, err := os.Stat(*file); err != nil {
		log.Fatal().Err(err).Msg("Failed to open input file")
	}
	if strings.EqualFold(filepath.Ext(*file), ".wav") {
		probeWAV(*file)
	}

	var out io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		out = f
	}

	cfg.STT.Language = *language
	loader, err := app.NewLoader(cfg.STT, logging.WithComponent("recognizer"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create recognizer loader")
	}

	// Worker events are printed from its log queue below.
	worker := transcriber.New(loader, nil, app.WorkerConfig(cfg), zerolog.Nop())
	ctx := context.Background()
	worker.Start(ctx)

	sessionID := uuid.NewString()
	forwarder := pipeline.NewForwarder(sessionID, nil, segment.New(), schema.New(), pipeline.NewJSONLines(out), logging.WithSession(sessionID))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if err := worker.LoadModel(); err != nil {
		log.Fatal().Err(err).Msg("Failed to request model load")
	}

	exit := 0
	for done := false; !done; {
		select {
		case <-sig:
			log.Warn().Msg("Cancelling file job")
			if err := worker.CancelFile(); err != nil {
				log.Error().Err(err).Msg("Cancel request failed")
			}
		case e := <-worker.Logs():
			log.Info().Msg(e.String())
		case r, ok := <-worker.Results():
			if !ok {
				log.Error().Msg("Worker exited unexpectedly")
				os.Exit(1)
			}
			forwarder.Handle(ctx, r)

			switch r.Kind {
			case transcriber.ResultModelReady:
				err = submit(worker, *file, *segmented, segmenter.SilenceConfig{
					NoiseThresholdDB:   *noise,
					MinSilenceDuration: *minSilence,
					Padding:            cfg.Segmenter.Padding,
				})
				if err != nil {
					log.Error().Err(err).Msg("Failed to queue file job")
					exit, done = 1, true
				}
			case transcriber.ResultModelError, transcriber.ResultTranscriptionError:
				log.Error().Err(r.Err).Str("kind", r.Kind.String()).Msg("Transcription failed")
				exit, done = 1, true
			case transcriber.ResultFileCancelled:
				exit, done = 130, true
			case transcriber.ResultFileCompleted:
				log.Info().Str("file", r.Path).Msg("Transcription completed")
				done = true
			}
		}
	}

	if err := worker.Shutdown(cfg.Worker.ShutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("Worker did not stop cleanly")
	}
	os.Exit(exit)
}

func submit(w *transcriber.Worker, file string, segmented bool, cfg segmenter.SilenceConfig) error {
	if segmented {
		return w.TranscribeFileWithSegments(file, cfg)
	}
	return w.TranscribeFile(file)
}

// probeWAV logs the format of a PCM WAV file. Other containers are left to the
// recognizer.
func probeWAV(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Warn().Err(err).Msg("Failed to read WAV header")
		return
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Warn().Msg("File has a .wav extension but no RIFF/WAVE header")
		return
	}

	log.Info().
		Uint16("format", binary.LittleEndian.Uint16(header[20:22])).
		Uint16("channels", binary.LittleEndian.Uint16(header[22:24])).
		Uint32("sampleRate", binary.LittleEndian.Uint32(header[24:28])).
		Uint16("bitsPerSample", binary.LittleEndian.Uint16(header[34:36])).
		Msg("WAV file")
}
