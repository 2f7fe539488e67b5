package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/stt"
)

const (
	modeFile      = "file"
	modeSegmented = "segmented"
)

// checkControl drains pending commands at a cancellation point and reports
// whether the running file job must stop. Commands other than cancel, shutdown
// and settings are deferred until the job ends.
func (w *Worker) checkControl(ctx context.Context) bool {
	stop := false
	for {
		select {
		case cmd := <-w.control:
			switch c := cmd.(type) {
			case CancelFile:
				w.metrics.RecordCommand(c.Kind().String())
				stop = true
			case Shutdown:
				w.metrics.RecordCommand(c.Kind().String())
				w.quit = true
				stop = true
			case ReloadSettings:
				w.metrics.RecordCommand(c.Kind().String())
				w.applySettings(c.Update)
			default:
				w.deferred = append(w.deferred, cmd)
			}
			continue
		default:
		}
		break
	}
	return stop || ctx.Err() != nil
}

// consume reads stream to the end, checking control before every segment.
func (w *Worker) consume(ctx context.Context, stream stt.SegmentStream, fn func(stt.Segment)) (cancelled bool, err error) {
	defer stream.Close()
	for {
		if w.checkControl(ctx) {
			return true, nil
		}
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, err
		}
		fn(seg)
	}
}

func fileResult(seg stt.Segment, offset float64, source Source) TranscribeResult {
	return TranscribeResult{
		Text:       strings.TrimSpace(seg.Text),
		Start:      offset + seg.Start,
		End:        offset + seg.End,
		Words:      toWords(seg.Words, offset),
		IsFinal:    true,
		Source:     source,
		AvgLogprob: seg.AvgLogprob,
	}
}

func (w *Worker) fileOptions(vad bool) stt.Options {
	return MergeOptions(w.settings.Extra, stt.Options{
		Language:       w.settings.recognitionLanguage(),
		WordTimestamps: true,
		VADFilter:      vad,
	})
}

func (w *Worker) transcribeFile(ctx context.Context, c TranscribeFile) {
	start := time.Now()
	w.sink.Emit(logging.LevelInfo, "transcribing file", logging.Fields{"path": c.Path})
	if w.State() != StateReady {
		w.finishFile(ctx, c.Path, modeFile, start, nil, false, ErrModelNotReady)
		return
	}
	results, cancelled, err := w.runWholeFile(ctx, c.Path)
	w.finishFile(ctx, c.Path, modeFile, start, results, cancelled, err)
}

// runWholeFile transcribes path in one pass with the recognizer's own silence
// filtering.
func (w *Worker) runWholeFile(ctx context.Context, path string) ([]TranscribeResult, bool, error) {
	opts := w.fileOptions(true)
	stream, info, err := w.model.Transcribe(ctx, stt.Input{Path: path}, opts)
	if err != nil {
		return nil, false, err
	}

	var out []TranscribeResult
	lastPercent := -1
	cancelled, err := w.consume(ctx, stream, func(seg stt.Segment) {
		w.sink.Emit(logging.LevelDebug, "raw segment", logging.Fields{
			"start": seg.Start,
			"end":   seg.End,
			"text":  seg.Text,
			"words": len(seg.Words),
		})
		out = append(out, fileResult(seg, 0, SourceFile))

		if info.Duration > 0 {
			percent := int(seg.End / info.Duration * 100)
			percent = max(0, min(100, percent))
			if percent > lastPercent {
				lastPercent = percent
				w.sink.Emit(logging.LevelInfo, "file progress", logging.Fields{
					"path":     path,
					"percent":  percent,
					"position": seg.End,
					"duration": info.Duration,
				})
			}
		}
	})
	return out, cancelled, err
}

func (w *Worker) transcribeSegmented(ctx context.Context, c TranscribeFileWithSegments) {
	start := time.Now()
	w.sink.Emit(logging.LevelInfo, "transcribing file with segments", logging.Fields{
		"path":       c.Path,
		"noiseDb":    c.Segmentation.NoiseThresholdDB,
		"minSilence": c.Segmentation.MinSilenceDuration,
		"paddingMs":  c.Segmentation.Padding.Milliseconds(),
	})
	if w.State() != StateReady {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, false, ErrModelNotReady)
		return
	}

	seg, err := w.newSegmenter(ctx, w.sink)
	if err != nil {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, false, err)
		return
	}
	defer func() {
		if err := seg.Cleanup(); err != nil {
			w.sink.Emit(logging.LevelWarn, "segment cleanup failed", logging.Fields{"error": err.Error()})
		}
	}()

	spans, err := seg.DetectSilence(ctx, c.Path, c.Segmentation)
	if err != nil {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, ctx.Err() != nil, err)
		return
	}
	// Detection can run for minutes on long files.
	if w.checkControl(ctx) {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, true, nil)
		return
	}
	if len(spans) == 0 {
		w.sink.Emit(logging.LevelInfo, "no voice spans detected, transcribing whole file", logging.Fields{"path": c.Path})
		results, cancelled, err := w.runWholeFile(ctx, c.Path)
		w.finishFile(ctx, c.Path, modeFile, start, results, cancelled, err)
		return
	}

	clips, err := seg.Extract(ctx, c.Path, spans, w.cfg.ClipSampleRate, 1)
	if err != nil {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, ctx.Err() != nil, err)
		return
	}
	if len(clips) == 0 {
		w.finishFile(ctx, c.Path, modeSegmented, start, nil, false, errors.New("failed to create audio segments"))
		return
	}
	w.sink.Emit(logging.LevelInfo, "segment files created", logging.Fields{"spans": len(spans), "clips": len(clips)})

	results, cancelled, err := w.runClips(ctx, c.Path, clips)
	w.finishFile(ctx, c.Path, modeSegmented, start, results, cancelled, err)
}

// runClips transcribes each clip and merges the results in start order.
func (w *Worker) runClips(ctx context.Context, path string, clips []segmenter.Segment) ([]TranscribeResult, bool, error) {
	var out []TranscribeResult
	for i, clip := range clips {
		if w.checkControl(ctx) {
			return nil, true, nil
		}
		w.sink.Emit(logging.LevelDebug, "transcribing clip", logging.Fields{
			"index": i + 1,
			"total": len(clips),
			"clip":  clip.FilePath,
		})

		stream, _, err := w.model.Transcribe(ctx, stt.Input{Path: clip.FilePath}, w.fileOptions(false))
		if err != nil {
			if ctx.Err() != nil {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("clip %d: %w", clip.ID, err)
		}
		cancelled, err := w.consume(ctx, stream, func(seg stt.Segment) {
			out = append(out, fileResult(seg, clip.Start, SourceSegmented))
		})
		if cancelled {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("clip %d: %w", clip.ID, err)
		}

		w.sink.Emit(logging.LevelInfo, "file progress", logging.Fields{
			"path":    path,
			"percent": (i + 1) * 100 / len(clips),
			"clips":   fmt.Sprintf("%d/%d", i+1, len(clips)),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, false, nil
}

// finishFile reports the outcome of a file job. Cancellation discards results.
func (w *Worker) finishFile(ctx context.Context, path, mode string, start time.Time, results []TranscribeResult, cancelled bool, err error) {
	elapsed := time.Since(start).Seconds()
	kind := CmdTranscribeFile.String()
	if mode == modeSegmented {
		kind = CmdTranscribeFileWithSegments.String()
	}

	switch {
	case cancelled:
		w.sink.Emit(logging.LevelInfo, "file transcription cancelled", logging.Fields{"path": path})
		w.metrics.RecordFileOutcome(mode, "cancelled")
		w.metrics.RecordJob(kind, "cancelled", elapsed)
		w.emit(ctx, Result{Kind: ResultFileCancelled, Path: path, Err: ErrCancelled})
	case err != nil:
		w.sink.Emit(logging.LevelError, "file transcription failed", logging.Fields{"path": path, "error": err.Error()})
		w.metrics.RecordFileOutcome(mode, "error")
		w.metrics.RecordJob(kind, "error", elapsed)
		w.emit(ctx, Result{Kind: ResultTranscriptionError, Path: path, Err: fmt.Errorf("%w: %w", ErrTranscription, err)})
	default:
		w.sink.Emit(logging.LevelInfo, "file transcription completed", logging.Fields{"path": path, "segments": len(results)})
		w.metrics.RecordFileOutcome(mode, "completed")
		w.metrics.RecordJob(kind, "ok", elapsed)
		w.metrics.RecordSegments(mode, len(results))
		w.emit(ctx, Result{Kind: ResultFileAllSegments, Path: path, Segments: results})
		w.emit(ctx, Result{Kind: ResultFileCompleted, Path: path})
	}
}
