// Package segmenter cuts media files into voice spans using ffmpeg silence detection.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"subtitle-stt-engine/internal/observability/logging"
	"subtitle-stt-engine/internal/observability/metrics"
)

// Segmenter errors.
var (
	ErrToolUnavailable = errors.New("ffmpeg not available")
	ErrToolTimeout     = errors.New("ffmpeg timed out")
	ErrExtraction      = errors.New("span extraction failed")
)

// MinSpanDuration is the shortest voice span kept, in seconds.
const MinSpanDuration = 0.5

// Segment is a voice span in a file. End is +Inf until resolved against the file
// duration. FilePath is empty until the span is extracted.
type Segment struct {
	ID       int
	Start    float64
	End      float64
	FilePath string
}

// Resolved reports whether End is finite.
func (s Segment) Resolved() bool {
	return !math.IsInf(s.End, 1)
}

// Duration returns End - Start; +Inf while unresolved.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// SilenceConfig tunes silence detection.
type SilenceConfig struct {
	NoiseThresholdDB   float64
	MinSilenceDuration float64 // seconds
	Padding            time.Duration
}

// DefaultSilenceConfig returns the standard detection settings.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		NoiseThresholdDB:   -30,
		MinSilenceDuration: 0.5,
		Padding:            100 * time.Millisecond,
	}
}

// Timeouts bound each ffmpeg invocation.
type Timeouts struct {
	Version time.Duration
	Detect  time.Duration
	Probe   time.Duration
	Extract time.Duration
}

// DefaultTimeouts returns the standard bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Version: 5 * time.Second,
		Detect:  5 * time.Minute,
		Probe:   30 * time.Second,
		Extract: time.Minute,
	}
}

// commandRunner runs an external tool and returns its stdout and stderr.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithCommandRunner replaces process execution.
func WithCommandRunner(r commandRunner) Option {
	return func(s *Segmenter) { s.runner = r }
}

// WithToolPath skips tool discovery and uses path.
func WithToolPath(path string) Option {
	return func(s *Segmenter) { s.toolPath = path }
}

// WithBaseDir sets where the temporary workspace is created.
func WithBaseDir(dir string) Option {
	return func(s *Segmenter) { s.baseDir = dir }
}

// WithSink routes log events.
func WithSink(sink logging.Sink) Option {
	return func(s *Segmenter) { s.sink = sink }
}

// WithTimeouts overrides the per-invocation bounds.
func WithTimeouts(t Timeouts) Option {
	return func(s *Segmenter) { s.timeouts = t }
}

// Segmenter detects voice spans and materializes them as WAV clips in a temporary
// workspace that Cleanup removes.
type Segmenter struct {
	toolPath string
	runner   commandRunner
	baseDir  string
	sink     logging.Sink
	timeouts Timeouts
	metrics  *metrics.Metrics

	mu        sync.Mutex
	workspace string
}

// New resolves ffmpeg and returns a ready segmenter.
func New(ctx context.Context, opts ...Option) (*Segmenter, error) {
	s := &Segmenter{
		runner:   osCommandRunner{},
		sink:     logging.Nop(),
		timeouts: DefaultTimeouts(),
		metrics:  metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(s)
	}

	candidates := toolCandidates()
	if s.toolPath != "" {
		candidates = []string{s.toolPath}
	}
	path, err := s.resolveTool(ctx, candidates)
	if err != nil {
		return nil, err
	}
	s.toolPath = path
	s.sink.Emit(logging.LevelInfo, "ffmpeg resolved", logging.Fields{"path": path})
	return s, nil
}

// toolCandidates lists bundled binaries next to the executable before PATH.
func toolCandidates() []string {
	var out []string
	if exe, err := os.Executable(); err == nil {
		bin := filepath.Join(filepath.Dir(exe), "bin")
		out = append(out, filepath.Join(bin, "ffmpeg.exe"), filepath.Join(bin, "ffmpeg"))
	}
	return append(out, "ffmpeg")
}

func (s *Segmenter) resolveTool(ctx context.Context, candidates []string) (string, error) {
	for _, c := range candidates {
		stdout, _, err := s.run(ctx, s.timeouts.Version, "version", c, []string{"-version"})
		if err == nil && strings.Contains(strings.ToLower(string(stdout)), "ffmpeg") {
			return c, nil
		}
		s.sink.Emit(logging.LevelDebug, "ffmpeg candidate rejected", logging.Fields{"path": c})
	}
	return "", fmt.Errorf("%w: tried %s", ErrToolUnavailable, strings.Join(candidates, ", "))
}

// ToolPath returns the resolved ffmpeg binary.
func (s *Segmenter) ToolPath() string {
	return s.toolPath
}

func (s *Segmenter) run(ctx context.Context, timeout time.Duration, op, name string, args []string) ([]byte, []byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := s.runner.Run(rctx, name, args)
	s.metrics.RecordToolRun(op, time.Since(start).Seconds())

	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return stdout, stderr, fmt.Errorf("%w: %s after %s", ErrToolTimeout, op, timeout)
	}
	if ctx.Err() != nil {
		return stdout, stderr, ctx.Err()
	}
	return stdout, stderr, err
}

// DetectSilence runs silencedetect over file and returns the voice spans between
// silences. A file without silence yields one span [0, +Inf).
func (s *Segmenter) DetectSilence(ctx context.Context, file string, cfg SilenceConfig) ([]Segment, error) {
	s.sink.Emit(logging.LevelInfo, "detecting silence", logging.Fields{
		"file":       file,
		"noiseDb":    cfg.NoiseThresholdDB,
		"minSilence": cfg.MinSilenceDuration,
		"paddingMs":  cfg.Padding.Milliseconds(),
	})

	filter := fmt.Sprintf("silencedetect=noise=%sdB:duration=%s",
		strconv.FormatFloat(cfg.NoiseThresholdDB, 'f', -1, 64),
		strconv.FormatFloat(cfg.MinSilenceDuration, 'f', -1, 64))
	args := []string{"-i", file, "-af", filter, "-f", "null", "-"}

	_, stderr, err := s.run(ctx, s.timeouts.Detect, "detect", s.toolPath, args)
	if err != nil {
		if errors.Is(err, ErrToolTimeout) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("silence detection on %s: %v: %s", file, err, lastLine(stderr))
	}

	silences := ParseSilenceOutput(string(stderr))
	var spans []Segment
	if len(silences) == 0 {
		spans = []Segment{{ID: 0, Start: 0, End: math.Inf(1)}}
	} else {
		spans = VoiceSpans(silences, cfg.Padding.Seconds())
	}

	s.metrics.RecordSpansDetected(len(spans))
	s.sink.Emit(logging.LevelInfo, "silence detection done", logging.Fields{
		"silences": len(silences),
		"spans":    len(spans),
	})
	return spans, nil
}

// Silence is one detected silent interval in seconds.
type Silence struct {
	Start float64
	End   float64
}

var silencePattern = regexp.MustCompile(`(?i)silence_(start|end): (-?[\d.]+)`)

// ParseSilenceOutput extracts silence intervals from ffmpeg silencedetect output.
// Each start is paired with the smallest end greater than it; unmatched starts
// are dropped.
func ParseSilenceOutput(output string) []Silence {
	var starts, ends []float64
	for _, m := range silencePattern.FindAllStringSubmatch(output, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if strings.EqualFold(m[1], "start") {
			starts = append(starts, v)
		} else {
			ends = append(ends, v)
		}
	}
	sort.Float64s(ends)

	var out []Silence
	for _, st := range starts {
		i := sort.Search(len(ends), func(i int) bool { return ends[i] > st })
		if i < len(ends) {
			out = append(out, Silence{Start: st, End: ends[i]})
		}
	}
	return out
}

// VoiceSpans returns the complement of silences, each padded outward by padding
// seconds. Spans shorter than MinSpanDuration are dropped, except the trailing span
// which stays unresolved (+Inf) until extraction.
func VoiceSpans(silences []Silence, padding float64) []Segment {
	var spans []Segment
	cur := 0.0
	for _, sil := range silences {
		start := math.Max(0, cur-padding)
		end := sil.Start + padding
		if end-start >= MinSpanDuration {
			spans = append(spans, Segment{ID: len(spans), Start: start, End: end})
		}
		cur = sil.End
	}
	if cur > 0 {
		spans = append(spans, Segment{ID: len(spans), Start: math.Max(0, cur-padding), End: math.Inf(1)})
	}
	return spans
}

var durationPattern = regexp.MustCompile(`(?i)Duration: (\d+):(\d+):(\d+(?:\.\d+)?)`)

// ParseDuration extracts the container duration from ffmpeg's input banner.
func ParseDuration(output string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(h*3600+mi*60) + sec, true
}

// ProbeDuration returns the duration of file in seconds.
func (s *Segmenter) ProbeDuration(ctx context.Context, file string) (float64, error) {
	_, stderr, err := s.run(ctx, s.timeouts.Probe, "probe", s.toolPath, []string{"-i", file, "-f", "null", "-"})
	if err != nil && (errors.Is(err, ErrToolTimeout) || ctx.Err() != nil) {
		return 0, err
	}
	d, ok := ParseDuration(string(stderr))
	if !ok {
		return 0, fmt.Errorf("no duration reported for %s", file)
	}
	return d, nil
}

// Workspace returns the temporary directory, or "" before the first extraction.
func (s *Segmenter) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace
}

func (s *Segmenter) ensureWorkspace() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workspace != "" {
		return s.workspace, nil
	}
	dir, err := os.MkdirTemp(s.baseDir, "subtitle-segments-*")
	if err != nil {
		return "", err
	}
	s.workspace = dir
	return dir, nil
}

// Extract cuts each span into a mono PCM WAV clip. Unresolved or overlong ends are
// clipped to the file duration. Spans that end up shorter than MinSpanDuration, or
// whose extraction fails, are logged and skipped.
func (s *Segmenter) Extract(ctx context.Context, file string, spans []Segment, sampleRate, channels int) ([]Segment, error) {
	dir, err := s.ensureWorkspace()
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", ErrExtraction, err)
	}

	duration, err := s.ProbeDuration(ctx, file)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.sink.Emit(logging.LevelWarn, "duration probe failed", logging.Fields{"file": file, "error": err.Error()})
		duration = 0
	}

	var out []Segment
	for _, span := range spans {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		end := span.End
		if duration > 0 && end > duration {
			end = duration
		}
		if math.IsInf(end, 1) {
			s.sink.Emit(logging.LevelWarn, "span end unresolved", logging.Fields{"segment": span.ID})
			s.metrics.RecordSpanFailure("unresolved")
			continue
		}
		if end-span.Start < MinSpanDuration {
			s.sink.Emit(logging.LevelDebug, "span too short", logging.Fields{"segment": span.ID, "duration": end - span.Start})
			s.metrics.RecordSpanFailure("too_short")
			continue
		}

		path := filepath.Join(dir, fmt.Sprintf("seg_%04d_%.2f_%.2f.wav", span.ID, span.Start, end))
		args := []string{
			"-i", file,
			"-ss", strconv.FormatFloat(span.Start, 'f', -1, 64),
			"-t", strconv.FormatFloat(end-span.Start, 'f', -1, 64),
			"-ar", strconv.Itoa(sampleRate),
			"-ac", strconv.Itoa(channels),
			"-acodec", "pcm_s16le",
			"-y", path,
		}
		if _, stderr, err := s.run(ctx, s.timeouts.Extract, "extract", s.toolPath, args); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			s.sink.Emit(logging.LevelError, "span extraction failed", logging.Fields{
				"segment": span.ID,
				"error":   fmt.Errorf("%w: %v", ErrExtraction, err).Error(),
				"stderr":  lastLine(stderr),
			})
			s.metrics.RecordSpanFailure("extract")
			continue
		}

		s.metrics.RecordSpanExtracted()
		out = append(out, Segment{ID: span.ID, Start: span.Start, End: end, FilePath: path})
	}

	s.sink.Emit(logging.LevelInfo, "extraction done", logging.Fields{"requested": len(spans), "created": len(out)})
	return out, nil
}

// Cleanup removes the workspace. Safe to call repeatedly.
func (s *Segmenter) Cleanup() error {
	s.mu.Lock()
	dir := s.workspace
	s.workspace = ""
	s.mu.Unlock()

	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		s.sink.Emit(logging.LevelError, "workspace cleanup failed", logging.Fields{"dir": dir, "error": err.Error()})
		return err
	}
	s.sink.Emit(logging.LevelInfo, "workspace removed", logging.Fields{"dir": dir})
	return nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
