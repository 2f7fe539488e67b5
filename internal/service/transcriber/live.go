package transcriber

import (
	"context"
	"fmt"
	"strings"
	"time"

	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/service/audio"
	"subtitle-stt-engine/internal/service/stt"
)

// LiveTimeCorrection shifts live results forward to line recognizer onsets up
// with the VAD-measured ones. Overridable through Config.
const LiveTimeCorrection = 0.05

// Reconcile converts buffer-relative segments to absolute results for req.
// correction applies to live requests only. Words are kept only for final
// requests, and a final request's last segment is extended to req.EndTime when it
// ends earlier.
func Reconcile(req TranscribeRequest, segs []stt.Segment, correction, rms float64) []TranscribeResult {
	if req.Source != SourceLive {
		correction = 0
	}
	offset := req.StartTime + correction

	out := make([]TranscribeResult, 0, len(segs))
	for _, seg := range segs {
		r := TranscribeResult{
			RequestID:  req.ID,
			Text:       strings.TrimSpace(seg.Text),
			Start:      offset + seg.Start,
			End:        offset + seg.End,
			IsFinal:    req.IsFinal,
			Source:     req.Source,
			AvgLogprob: seg.AvgLogprob,
			AvgRMS:     rms,
		}
		if req.IsFinal {
			r.Words = toWords(seg.Words, offset)
		}
		out = append(out, r)
	}

	if req.IsFinal && len(out) > 0 {
		if last := &out[len(out)-1]; last.End < req.EndTime {
			last.End = req.EndTime
		}
	}
	return out
}

func (w *Worker) handleJob(ctx context.Context, req TranscribeRequest) {
	kind := req.Kind().String()
	w.metrics.RecordCommand(kind)

	if w.State() != StateReady {
		w.sink.Emit(logging.LevelWarn, "model not ready, dropping job", logging.Fields{
			"requestId": req.ID,
			"state":     w.State().String(),
		})
		w.metrics.RecordJobDropped("model_not_ready")
		return
	}

	start := time.Now()
	samples, err := DecodeSamples(req.Audio)
	if err != nil {
		w.jobFailed(ctx, req, kind, start, err)
		return
	}
	rms := audio.RMS(samples)

	w.sink.Emit(logging.LevelDebug, "job received", logging.Fields{
		"requestId": req.ID,
		"offset":    req.StartTime,
		"duration":  float64(len(samples)) / audio.TargetSampleRate,
		"final":     req.IsFinal,
	})

	opts := MergeOptions(w.settings.Extra, stt.Options{
		Language:       w.settings.recognitionLanguage(),
		WordTimestamps: req.IsFinal,
	})
	stream, _, err := w.model.Transcribe(ctx, stt.Input{Samples: samples}, opts)
	if err != nil {
		w.jobFailed(ctx, req, kind, start, err)
		return
	}
	segs, err := stt.Collect(stream)
	if err != nil {
		w.jobFailed(ctx, req, kind, start, err)
		return
	}

	results := Reconcile(req, segs, w.cfg.LiveTimeCorrection, rms)
	if len(results) == 0 {
		w.sink.Emit(logging.LevelInfo, "recognizer returned no segments", logging.Fields{
			"requestId": req.ID,
			"rms":       rms,
		})
		w.metrics.RecordJob(kind, "empty", time.Since(start).Seconds())
		return
	}

	w.metrics.RecordJob(kind, "ok", time.Since(start).Seconds())
	w.metrics.RecordSegments(string(req.Source), len(results))
	w.emit(ctx, Result{Kind: ResultTranscriptionBatch, RequestID: req.ID, Segments: results})
}

func (w *Worker) jobFailed(ctx context.Context, req TranscribeRequest, kind string, start time.Time, err error) {
	w.sink.Emit(logging.LevelError, "transcription failed", logging.Fields{
		"requestId": req.ID,
		"error":     err.Error(),
	})
	w.metrics.RecordJob(kind, "error", time.Since(start).Seconds())
	w.emit(ctx, Result{
		Kind:      ResultTranscriptionError,
		RequestID: req.ID,
		Err:       fmt.Errorf("%w: %w", ErrTranscription, err),
	})
}
