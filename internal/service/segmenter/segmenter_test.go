package segmenter

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type call struct {
	name string
	args []string
}

// fakeRunner answers ffmpeg invocations by the operation they represent.
type fakeRunner struct {
	mu    sync.Mutex
	calls []call

	version   string
	detect    string
	probe     string
	extractFn func(args []string) error
	block     bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	switch {
	case len(args) == 1 && args[0] == "-version":
		if f.version == "" {
			return nil, nil, errors.New("exec: not found")
		}
		return []byte(f.version), nil, nil
	case contains(args, "-af"):
		return nil, []byte(f.detect), nil
	case contains(args, "-acodec"):
		if f.extractFn != nil {
			if err := f.extractFn(args); err != nil {
				return nil, []byte("conversion failed"), err
			}
		}
		return nil, nil, os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644)
	default:
		return nil, []byte(f.probe), nil
	}
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func contains(args []string, v string) bool {
	for _, a := range args {
		if a == v {
			return true
		}
	}
	return false
}

const probeOutput = `Input #0, wav, from 'talk.wav':
  Duration: 00:00:10.00, bitrate: 256 kb/s
`

func newTestSegmenter(t *testing.T, r *fakeRunner) *Segmenter {
	t.Helper()
	if r.version == "" {
		r.version = "ffmpeg version 6.1 Copyright (c) 2000-2023"
	}
	s, err := New(context.Background(),
		WithCommandRunner(r),
		WithToolPath("ffmpeg-test"),
		WithBaseDir(t.TempDir()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Cleanup() })
	return s
}

func TestNew_ToolUnavailable(t *testing.T) {
	r := &fakeRunner{}
	_, err := New(context.Background(), WithCommandRunner(r), WithToolPath("missing"))
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
}

func TestNew_RejectsNonFFmpegBinary(t *testing.T) {
	r := &fakeRunner{version: "some other tool 1.0"}
	_, err := New(context.Background(), WithCommandRunner(r), WithToolPath("imposter"))
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
}

func TestToolCandidates_PathLast(t *testing.T) {
	c := toolCandidates()
	if c[len(c)-1] != "ffmpeg" {
		t.Errorf("expected PATH lookup last, got %v", c)
	}
	if len(c) == 3 && !strings.HasSuffix(c[0], filepath.Join("bin", "ffmpeg.exe")) {
		t.Errorf("expected bundled binary first, got %v", c)
	}
}

func TestParseSilenceOutput(t *testing.T) {
	out := `[silencedetect @ 0x1] silence_start: 2
[silencedetect @ 0x1] silence_end: 2.6 | silence_duration: 0.6
[silencedetect @ 0x1] silence_start: 5.0
[silencedetect @ 0x1] silence_end: 5.8 | silence_duration: 0.8
[silencedetect @ 0x1] silence_start: 9.5`

	got := ParseSilenceOutput(out)
	want := []Silence{{2, 2.6}, {5, 5.8}}
	if len(got) != len(want) {
		t.Fatalf("expected %d silences, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("silence %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestParseSilenceOutput_PairsNearestGreaterEnd(t *testing.T) {
	out := "silence_end: 1.0\nsilence_start: 3.0\nsilence_end: 4.0\nSILENCE_END: 3.5"
	got := ParseSilenceOutput(out)
	if len(got) != 1 || got[0] != (Silence{3.0, 3.5}) {
		t.Errorf("expected [{3 3.5}], got %v", got)
	}
}

func TestVoiceSpans(t *testing.T) {
	tests := []struct {
		name     string
		silences []Silence
		padding  float64
		want     []Segment
	}{
		{
			name:     "two silences",
			silences: []Silence{{2.0, 2.6}, {5.0, 5.8}},
			padding:  0.1,
			want: []Segment{
				{ID: 0, Start: 0, End: 2.1},
				{ID: 1, Start: 2.5, End: 5.1},
				{ID: 2, Start: 5.7, End: math.Inf(1)},
			},
		},
		{
			name:     "leading silence drops short span",
			silences: []Silence{{0, 1.5}},
			padding:  0.1,
			want:     []Segment{{ID: 0, Start: 1.4, End: math.Inf(1)}},
		},
		{
			name:     "close silences",
			silences: []Silence{{1.0, 2.0}, {2.2, 3.0}},
			padding:  0,
			want: []Segment{
				{ID: 0, Start: 0, End: 1.0},
				{ID: 1, Start: 3.0, End: math.Inf(1)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VoiceSpans(tt.silences, tt.padding)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d spans, got %v", len(tt.want), got)
			}
			for i := range tt.want {
				if got[i].ID != tt.want[i].ID ||
					math.Abs(got[i].Start-tt.want[i].Start) > 1e-9 ||
					!sameEnd(got[i].End, tt.want[i].End) {
					t.Errorf("span %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func sameEnd(a, b float64) bool {
	if math.IsInf(b, 1) {
		return math.IsInf(a, 1)
	}
	return math.Abs(a-b) < 1e-9
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"  Duration: 00:00:10.00, bitrate", 10, true},
		{"Duration: 01:02:03.50, start", 3723.5, true},
		{"Duration: N/A", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseDuration(tt.in)
		if ok != tt.ok || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDetectSilence_NoSilenceYieldsWholeFile(t *testing.T) {
	s := newTestSegmenter(t, &fakeRunner{detect: "size=N/A time=00:00:10.00"})

	spans, err := s.DetectSilence(context.Background(), "talk.wav", DefaultSilenceConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spans) != 1 || spans[0].Start != 0 || spans[0].Resolved() {
		t.Errorf("expected one unresolved span from 0, got %+v", spans)
	}
}

func TestDetectSilence_BuildsFilter(t *testing.T) {
	r := &fakeRunner{detect: "silence_start: 2.0\nsilence_end: 2.6\nsilence_start: 5.0\nsilence_end: 5.8"}
	s := newTestSegmenter(t, r)

	spans, err := s.DetectSilence(context.Background(), "talk.wav", SilenceConfig{
		NoiseThresholdDB:   -35,
		MinSilenceDuration: 0.4,
		Padding:            100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %+v", spans)
	}

	calls := r.Calls()
	last := calls[len(calls)-1]
	if !contains(last.args, "silencedetect=noise=-35dB:duration=0.4") {
		t.Errorf("unexpected detect args %v", last.args)
	}
}

func TestDetectSilence_Timeout(t *testing.T) {
	r := &fakeRunner{}
	s := newTestSegmenter(t, r)
	r.block = true
	s.timeouts.Detect = 20 * time.Millisecond

	_, err := s.DetectSilence(context.Background(), "talk.wav", DefaultSilenceConfig())
	if !errors.Is(err, ErrToolTimeout) {
		t.Fatalf("expected ErrToolTimeout, got %v", err)
	}
}

func TestExtract_ResolvesAgainstDuration(t *testing.T) {
	r := &fakeRunner{probe: probeOutput}
	s := newTestSegmenter(t, r)

	spans := []Segment{
		{ID: 0, Start: 0, End: 2.1},
		{ID: 1, Start: 2.5, End: 5.1},
		{ID: 2, Start: 5.7, End: math.Inf(1)},
	}
	clips, err := s.Extract(context.Background(), "talk.wav", spans, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clips) != 3 {
		t.Fatalf("expected 3 clips, got %+v", clips)
	}
	if clips[2].End != 10 {
		t.Errorf("expected last clip to end at 10, got %v", clips[2].End)
	}
	for _, c := range clips {
		if filepath.Dir(c.FilePath) != s.Workspace() {
			t.Errorf("clip %s outside workspace %s", c.FilePath, s.Workspace())
		}
		if _, err := os.Stat(c.FilePath); err != nil {
			t.Errorf("clip missing: %v", err)
		}
	}
	if filepath.Base(clips[0].FilePath) != "seg_0000_0.00_2.10.wav" {
		t.Errorf("unexpected clip name %s", filepath.Base(clips[0].FilePath))
	}
}

func TestExtract_SkipsShortAndFailedSpans(t *testing.T) {
	r := &fakeRunner{
		probe: probeOutput,
		extractFn: func(args []string) error {
			if strings.Contains(args[len(args)-1], "seg_0001_") {
				return errors.New("exit status 1")
			}
			return nil
		},
	}
	s := newTestSegmenter(t, r)

	spans := []Segment{
		{ID: 0, Start: 0, End: 2},
		{ID: 1, Start: 3, End: 5},
		{ID: 2, Start: 9.8, End: math.Inf(1)}, // 0.2 s after clipping
	}
	clips, err := s.Extract(context.Background(), "talk.wav", spans, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clips) != 1 || clips[0].ID != 0 {
		t.Errorf("expected only clip 0, got %+v", clips)
	}
}

func TestExtract_UnknownDurationSkipsOpenSpan(t *testing.T) {
	s := newTestSegmenter(t, &fakeRunner{probe: "garbage"})

	clips, err := s.Extract(context.Background(), "talk.wav", []Segment{{ID: 0, Start: 0, End: math.Inf(1)}}, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clips) != 0 {
		t.Errorf("expected no clips, got %+v", clips)
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	s := newTestSegmenter(t, &fakeRunner{probe: probeOutput})

	if _, err := s.Extract(context.Background(), "talk.wav", []Segment{{ID: 0, Start: 0, End: 1}}, 16000, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := s.Workspace()
	if dir == "" {
		t.Fatal("expected workspace to exist")
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected workspace removed, stat err = %v", err)
	}
	if err := s.Cleanup(); err != nil {
		t.Errorf("second cleanup failed: %v", err)
	}
}
