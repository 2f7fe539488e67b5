package transcriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/stt"
	"subtitle-stt-engine/internal/service/stt/mock"
)

type fakeSegmenter struct {
	spans      []segmenter.Segment
	clips      []segmenter.Segment
	detectErr  error
	extractErr error
	onDetect   func() // runs inside DetectSilence when set

	mu       sync.Mutex
	cleanups int
	extracts int
}

func (f *fakeSegmenter) DetectSilence(ctx context.Context, file string, cfg segmenter.SilenceConfig) ([]segmenter.Segment, error) {
	if f.onDetect != nil {
		f.onDetect()
	}
	return f.spans, f.detectErr
}

func (f *fakeSegmenter) Extract(ctx context.Context, file string, spans []segmenter.Segment, sampleRate, channels int) ([]segmenter.Segment, error) {
	f.mu.Lock()
	f.extracts++
	f.mu.Unlock()
	return f.clips, f.extractErr
}

func (f *fakeSegmenter) Extracts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extracts
}

func (f *fakeSegmenter) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeSegmenter) Cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

func startWorker(t *testing.T, loader stt.Loader, seg FileSegmenter, configure func(*Config)) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}
	var factory SegmenterFactory
	if seg != nil {
		factory = func(ctx context.Context, sink logging.Sink) (FileSegmenter, error) { return seg, nil }
	}
	w := New(loader, factory, cfg, zerolog.Nop())
	w.Start(context.Background())
	t.Cleanup(func() { w.Shutdown(time.Second) })
	return w
}

func nextResult(t *testing.T, w *Worker) Result {
	t.Helper()
	select {
	case r, ok := <-w.Results():
		if !ok {
			t.Fatal("result channel closed")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

func expectKind(t *testing.T, w *Worker, kind ResultKind) Result {
	t.Helper()
	r := nextResult(t, w)
	if r.Kind != kind {
		t.Fatalf("expected %s, got %s (err=%v)", kind, r.Kind, r.Err)
	}
	return r
}

func loadModel(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.LoadModel(); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	expectKind(t, w, ResultModelReady)
	if w.State() != StateReady {
		t.Fatalf("expected READY, got %s", w.State())
	}
}

func waitLog(t *testing.T, w *Worker, message string) logging.Entry {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-w.Logs():
			if e.Message == message {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for log %q", message)
		}
	}
}

// drainKinds collects result kinds until the channel closes.
func drainKinds(t *testing.T, w *Worker) []ResultKind {
	t.Helper()
	var kinds []ResultKind
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-w.Results():
			if !ok {
				return kinds
			}
			kinds = append(kinds, r.Kind)
		case <-deadline:
			t.Fatalf("result channel not closed, got %v", kinds)
		}
	}
}

// waitControlQueued waits until n commands sit in the control queue.
func waitControlQueued(t *testing.T, w *Worker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(w.control) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued commands", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, w *Worker, s ModelState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.State() != s {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, at %s", s, w.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorker_LoadModel(t *testing.T) {
	loader := &mock.Loader{}
	w := startWorker(t, loader, nil, func(c *Config) {
		c.Settings.Model.Model = "small"
		c.Settings.Model.Device = "cpu"
	})

	if w.State() != StateUnloaded {
		t.Errorf("expected UNLOADED, got %s", w.State())
	}
	loadModel(t, w)

	configs := loader.Configs()
	if len(configs) != 1 || configs[0].Model != "small" || configs[0].Device != "cpu" {
		t.Errorf("unexpected model configs %+v", configs)
	}
}

func TestWorker_LoadModelFailure(t *testing.T) {
	w := startWorker(t, &mock.Loader{Err: errors.New("no such model")}, nil, nil)

	if err := w.LoadModel(); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	r := expectKind(t, w, ResultModelError)
	if !errors.Is(r.Err, ErrModelLoad) {
		t.Errorf("expected ErrModelLoad, got %v", r.Err)
	}
	if w.State() != StateError {
		t.Errorf("expected ERROR, got %s", w.State())
	}
}

func TestWorker_DropsJobsBeforeModelReady(t *testing.T) {
	w := startWorker(t, &mock.Loader{}, nil, nil)

	if _, err := w.TranscribeFinal(make([]float32, 1600), 0, 0.1); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitLog(t, w, "model not ready, dropping job")

	select {
	case r := <-w.Results():
		t.Errorf("expected no result, got %s", r.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorker_FinalJob(t *testing.T) {
	rec := mock.New(mock.Config{
		Script: func(in stt.Input, opts stt.Options) ([]stt.Segment, error) {
			return []stt.Segment{{
				Start: 0.3, End: 1.1, Text: " hello ",
				Words: []stt.Word{{Start: 0.3, End: 1.1, Text: "hello", Probability: 0.9}},
			}}, nil
		},
	})
	w := startWorker(t, &mock.Loader{Recognizer: rec}, nil, func(c *Config) {
		c.Settings.Language = "auto"
		c.Settings.Extra = map[string]any{"vad_filter": true, "beam_size": 5}
	})
	loadModel(t, w)

	id, err := w.TranscribeFinal(make([]float32, 32000), 10, 12)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	r := expectKind(t, w, ResultTranscriptionBatch)
	if r.RequestID != id || len(r.Segments) != 1 {
		t.Fatalf("unexpected batch %+v", r)
	}
	seg := r.Segments[0]
	if !near(seg.Start, 10.35) || seg.End != 12 {
		t.Errorf("expected [10.35, 12], got [%v, %v]", seg.Start, seg.End)
	}
	if seg.Text != "hello" || !seg.IsFinal || seg.Source != SourceLive {
		t.Errorf("unexpected result %+v", seg)
	}
	if len(seg.Words) != 1 || !near(seg.Words[0].Start, 10.35) {
		t.Errorf("unexpected words %+v", seg.Words)
	}

	calls := rec.Calls()
	opts := calls[len(calls)-1].Options
	if !opts.WordTimestamps || opts.VADFilter || opts.WithoutTimestamps || opts.Language != "" {
		t.Errorf("unexpected options %+v", opts)
	}
	if _, ok := opts.Extra["vad_filter"]; ok || opts.Extra["beam_size"] != 5 {
		t.Errorf("unexpected extras %v", opts.Extra)
	}
}

func TestWorker_LiveJobWithoutWords(t *testing.T) {
	rec := mock.New(mock.DefaultConfig())
	w := startWorker(t, &mock.Loader{Recognizer: rec}, nil, nil)
	loadModel(t, w)

	if _, err := w.TranscribeLive(make([]float32, 16000), 3, 4); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	r := expectKind(t, w, ResultTranscriptionBatch)
	if r.Segments[0].IsFinal || r.Segments[0].Words != nil {
		t.Errorf("expected non-final result without words, got %+v", r.Segments[0])
	}
	if calls := rec.Calls(); calls[0].Options.WordTimestamps {
		t.Error("live request must not ask for word timestamps")
	}
}

func TestWorker_RecognitionError(t *testing.T) {
	rec := mock.New(mock.Config{Err: errors.New("decoder crashed")})
	w := startWorker(t, &mock.Loader{Recognizer: rec}, nil, nil)
	loadModel(t, w)

	id, _ := w.TranscribeLive(make([]float32, 1600), 0, 0.1)
	r := expectKind(t, w, ResultTranscriptionError)
	if r.RequestID != id || !errors.Is(r.Err, ErrTranscription) {
		t.Errorf("unexpected error result %+v", r)
	}
	if !w.IsAlive() {
		t.Error("worker must survive a failed job")
	}
}

func TestWorker_FileJob(t *testing.T) {
	rec := mock.New(mock.DefaultConfig())
	w := startWorker(t, &mock.Loader{Recognizer: rec}, nil, nil)
	loadModel(t, w)

	if err := w.TranscribeFile("talk.wav"); err != nil {
		t.Fatalf("TranscribeFile failed: %v", err)
	}
	all := expectKind(t, w, ResultFileAllSegments)
	if len(all.Segments) != 4 || all.Path != "talk.wav" {
		t.Fatalf("expected 4 segments for talk.wav, got %+v", all)
	}
	for _, s := range all.Segments {
		if s.Source != SourceFile || !s.IsFinal || len(s.Words) == 0 {
			t.Errorf("unexpected file result %+v", s)
		}
	}
	expectKind(t, w, ResultFileCompleted)

	opts := rec.Calls()[0].Options
	if !opts.VADFilter || !opts.WordTimestamps {
		t.Errorf("expected VAD and words on for file jobs, got %+v", opts)
	}
}

func TestWorker_FileJobBeforeModelReady(t *testing.T) {
	w := startWorker(t, &mock.Loader{}, nil, nil)

	w.TranscribeFile("talk.wav")
	r := expectKind(t, w, ResultTranscriptionError)
	if !errors.Is(r.Err, ErrModelNotReady) {
		t.Errorf("expected ErrModelNotReady, got %v", r.Err)
	}
}

func TestWorker_CancelFile(t *testing.T) {
	cfg := mock.DefaultConfig()
	cfg.SegmentDelay = 50 * time.Millisecond
	w := startWorker(t, &mock.Loader{Recognizer: mock.New(cfg)}, nil, nil)
	loadModel(t, w)

	w.TranscribeFile("talk.wav")
	w.CancelFile()
	w.LoadModel() // deferred until the file job ends

	r := expectKind(t, w, ResultFileCancelled)
	if r.Path != "talk.wav" || !errors.Is(r.Err, ErrCancelled) {
		t.Errorf("unexpected cancel result %+v", r)
	}
	expectKind(t, w, ResultModelReady)
}

func TestWorker_CommandsDeferredDuringFileJob(t *testing.T) {
	w := startWorker(t, &mock.Loader{Recognizer: mock.New(mock.DefaultConfig())}, nil, nil)
	loadModel(t, w)

	w.TranscribeFile("talk.wav")
	w.LoadModel()

	expectKind(t, w, ResultFileAllSegments)
	expectKind(t, w, ResultFileCompleted)
	expectKind(t, w, ResultModelReady)
}

func TestWorker_SegmentedFile(t *testing.T) {
	rec := mock.New(mock.Config{
		Script: func(in stt.Input, opts stt.Options) ([]stt.Segment, error) {
			switch in.Path {
			case "a.wav":
				return []stt.Segment{{Start: 0.1, End: 1.0, Text: "first"}}, nil
			case "b.wav":
				return []stt.Segment{{Start: 0.2, End: 2.0, Text: "second"}}, nil
			}
			return nil, errors.New("unexpected input " + in.Path)
		},
	})
	seg := &fakeSegmenter{
		spans: []segmenter.Segment{{ID: 0, Start: 0, End: 2.1}, {ID: 1, Start: 2.5, End: 5.1}},
		clips: []segmenter.Segment{
			{ID: 1, Start: 2.5, End: 5.1, FilePath: "b.wav"},
			{ID: 0, Start: 0, End: 2.1, FilePath: "a.wav"},
		},
	}
	w := startWorker(t, &mock.Loader{Recognizer: rec}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	all := expectKind(t, w, ResultFileAllSegments)
	expectKind(t, w, ResultFileCompleted)

	if len(all.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", all.Segments)
	}
	if all.Segments[0].Text != "first" || !near(all.Segments[0].Start, 0.1) {
		t.Errorf("unexpected first segment %+v", all.Segments[0])
	}
	if all.Segments[1].Text != "second" || !near(all.Segments[1].Start, 2.7) || !near(all.Segments[1].End, 4.5) {
		t.Errorf("unexpected second segment %+v", all.Segments[1])
	}
	if all.Segments[1].Source != SourceSegmented {
		t.Errorf("expected segmented source, got %s", all.Segments[1].Source)
	}
	for _, c := range rec.Calls() {
		if c.Options.VADFilter {
			t.Error("clips must be transcribed without VAD filter")
		}
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected one cleanup, got %d", seg.Cleanups())
	}
}

func TestWorker_SegmentedFallsBackToWholeFile(t *testing.T) {
	rec := mock.New(mock.DefaultConfig())
	seg := &fakeSegmenter{}
	w := startWorker(t, &mock.Loader{Recognizer: rec}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	all := expectKind(t, w, ResultFileAllSegments)
	expectKind(t, w, ResultFileCompleted)

	if len(all.Segments) != 4 || all.Segments[0].Source != SourceFile {
		t.Errorf("expected whole-file results, got %+v", all.Segments)
	}
	if calls := rec.Calls(); len(calls) != 1 || calls[0].Input.Path != "talk.wav" {
		t.Errorf("expected one whole-file call, got %+v", calls)
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected one cleanup, got %d", seg.Cleanups())
	}
}

func TestWorker_SegmentedWithoutClips(t *testing.T) {
	seg := &fakeSegmenter{spans: []segmenter.Segment{{ID: 0, Start: 0, End: 1}}}
	w := startWorker(t, &mock.Loader{}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	r := expectKind(t, w, ResultTranscriptionError)
	if !errors.Is(r.Err, ErrTranscription) {
		t.Errorf("expected ErrTranscription, got %v", r.Err)
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected cleanup on error path, got %d", seg.Cleanups())
	}
}

func TestWorker_SegmentedDetectFailure(t *testing.T) {
	seg := &fakeSegmenter{detectErr: segmenter.ErrToolTimeout}
	w := startWorker(t, &mock.Loader{}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	r := expectKind(t, w, ResultTranscriptionError)
	if !errors.Is(r.Err, segmenter.ErrToolTimeout) {
		t.Errorf("expected ErrToolTimeout, got %v", r.Err)
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected cleanup on error path, got %d", seg.Cleanups())
	}
}

func TestWorker_Shutdown(t *testing.T) {
	w := startWorker(t, &mock.Loader{}, nil, nil)
	loadModel(t, w)

	if err := w.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if w.IsAlive() {
		t.Error("expected worker to be stopped")
	}
	if _, ok := <-w.Results(); ok {
		t.Error("expected result channel to be closed")
	}
}

func TestWorker_ShutdownDuringFileJob(t *testing.T) {
	cfg := mock.DefaultConfig()
	cfg.SegmentDelay = 50 * time.Millisecond
	rec := mock.New(cfg)
	w := startWorker(t, &mock.Loader{Recognizer: rec}, nil, nil)
	loadModel(t, w)

	w.TranscribeFile("talk.wav")
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("file job never reached the recognizer")
		}
		time.Sleep(time.Millisecond)
	}

	if err := w.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	kinds := drainKinds(t, w)
	if len(kinds) != 1 || kinds[0] != ResultFileCancelled {
		t.Errorf("expected only FILE_CANCELLED, got %v", kinds)
	}
	if w.IsAlive() {
		t.Error("expected worker to be stopped")
	}
}

func TestWorker_ShutdownDuringSegmentedJob(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := mock.New(mock.Config{
		Script: func(in stt.Input, opts stt.Options) ([]stt.Segment, error) {
			if in.Path == "a.wav" {
				close(entered)
				<-release
			}
			return []stt.Segment{{Start: 0, End: 1, Text: in.Path}}, nil
		},
	})
	seg := &fakeSegmenter{
		spans: []segmenter.Segment{{ID: 0, Start: 0, End: 2}, {ID: 1, Start: 3, End: 5}},
		clips: []segmenter.Segment{
			{ID: 0, Start: 0, End: 2, FilePath: "a.wav"},
			{ID: 1, Start: 3, End: 5, FilePath: "b.wav"},
		},
	}
	w := startWorker(t, &mock.Loader{Recognizer: rec}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	<-entered

	errc := make(chan error, 1)
	go func() { errc <- w.Shutdown(2 * time.Second) }()
	waitControlQueued(t, w, 1)
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	kinds := drainKinds(t, w)
	if len(kinds) != 1 || kinds[0] != ResultFileCancelled {
		t.Errorf("expected only FILE_CANCELLED, got %v", kinds)
	}
	for _, c := range rec.Calls() {
		if c.Input.Path == "b.wav" {
			t.Error("second clip transcribed after shutdown")
		}
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected one cleanup, got %d", seg.Cleanups())
	}
}

func TestWorker_CancelDuringSilenceDetection(t *testing.T) {
	var w *Worker
	seg := &fakeSegmenter{
		spans: []segmenter.Segment{{ID: 0, Start: 0, End: 2}},
		clips: []segmenter.Segment{{ID: 0, Start: 0, End: 2, FilePath: "a.wav"}},
	}
	seg.onDetect = func() { w.CancelFile() }
	w = startWorker(t, &mock.Loader{}, seg, nil)
	loadModel(t, w)

	w.TranscribeFileWithSegments("talk.wav", segmenter.DefaultSilenceConfig())
	r := expectKind(t, w, ResultFileCancelled)
	if r.Path != "talk.wav" {
		t.Errorf("unexpected cancel result %+v", r)
	}
	if seg.Extracts() != 0 {
		t.Errorf("expected no extraction after cancel, got %d", seg.Extracts())
	}
	if seg.Cleanups() != 1 {
		t.Errorf("expected one cleanup, got %d", seg.Cleanups())
	}
}

func TestWorker_ShutdownTimeout(t *testing.T) {
	w := startWorker(t, &mock.Loader{Delay: time.Hour}, nil, nil)

	w.LoadModel()
	waitState(t, w, StateLoading)

	if err := w.Shutdown(20 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after forced cancel")
	}
}

func TestWorker_QueueFull(t *testing.T) {
	w := startWorker(t, &mock.Loader{Delay: 300 * time.Millisecond}, nil, func(c *Config) {
		c.AudioQueueSize = 1
	})

	w.LoadModel()
	waitState(t, w, StateLoading)

	if _, err := w.TranscribeLive(make([]float32, 10), 0, 0); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := w.TranscribeLive(make([]float32, 10), 0, 0); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestWorker_NotStarted(t *testing.T) {
	w := New(&mock.Loader{}, nil, DefaultConfig(), zerolog.Nop())
	if err := w.LoadModel(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := w.Shutdown(time.Millisecond); err != nil {
		t.Errorf("Shutdown on unstarted worker: %v", err)
	}
}

func TestModelStateString(t *testing.T) {
	if StateReady.String() != "READY" || ModelState(9).String() != "UNKNOWN(9)" {
		t.Error("unexpected state names")
	}
}
