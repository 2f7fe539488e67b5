// Package helper runs a local model through an external helper process that
// prints recognition results as JSON lines.
//
// The helper is started once per Transcribe call with
//
//	<command> [args...] --model M --device D --compute-type C [--model-dir DIR] --input FILE --options JSON
//
// and must write one {"type":"info"} line followed by zero or more
// {"type":"segment"} lines. A {"type":"error"} line aborts the run.
package helper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/service/audio"
	"subtitle-stt-engine/internal/service/stt"
)

// ErrHelper wraps failures reported by the helper process.
var ErrHelper = errors.New("recognizer helper failed")

// Config locates the helper.
type Config struct {
	Command string
	Args    []string
	TempDir string
}

type wireWord struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

type wireLine struct {
	Type       string     `json:"type"`
	Duration   float64    `json:"duration,omitempty"`
	Language   string     `json:"language,omitempty"`
	Start      float64    `json:"start,omitempty"`
	End        float64    `json:"end,omitempty"`
	Text       string     `json:"text,omitempty"`
	AvgLogprob float64    `json:"avg_logprob,omitempty"`
	Words      []wireWord `json:"words,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Loader validates the helper command and binds it to a model.
type Loader struct {
	Config Config
	Logger zerolog.Logger
}

// Load implements stt.Loader.
func (l Loader) Load(ctx context.Context, mc stt.ModelConfig) (stt.Recognizer, error) {
	if _, err := exec.LookPath(l.Config.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHelper, err)
	}
	if mc.Name() == "" {
		return nil, fmt.Errorf("%w: no model configured", ErrHelper)
	}
	return &Recognizer{cfg: l.Config, model: mc, logger: l.Logger}, nil
}

// Recognizer implements stt.Recognizer.
type Recognizer struct {
	cfg    Config
	model  stt.ModelConfig
	logger zerolog.Logger
}

func (r *Recognizer) args(input string, opts stt.Options) ([]string, error) {
	payload := make(map[string]any, len(opts.Extra)+4)
	for k, v := range opts.Extra {
		payload[k] = v
	}
	if opts.Language != "" {
		payload["language"] = opts.Language
	} else {
		payload["language"] = nil
	}
	payload["word_timestamps"] = opts.WordTimestamps
	payload["vad_filter"] = opts.VADFilter
	payload["without_timestamps"] = opts.WithoutTimestamps

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "--model", r.model.Name())
	if r.model.Device != "" {
		args = append(args, "--device", r.model.Device)
	}
	if r.model.ComputeType != "" {
		args = append(args, "--compute-type", r.model.ComputeType)
	}
	if r.model.ModelDir != "" {
		args = append(args, "--model-dir", r.model.ModelDir)
	}
	return append(args, "--input", input, "--options", string(encoded)), nil
}

// Transcribe implements stt.Recognizer. Sample input is written to a temporary WAV
// file for the helper to read.
func (r *Recognizer) Transcribe(ctx context.Context, in stt.Input, opts stt.Options) (stt.SegmentStream, stt.Info, error) {
	if err := in.Validate(); err != nil {
		return nil, stt.Info{}, err
	}

	path, tmp := in.Path, ""
	if !in.IsFile() {
		f, err := os.CreateTemp(r.cfg.TempDir, "phrase-*.wav")
		if err != nil {
			return nil, stt.Info{}, fmt.Errorf("create temp audio: %w", err)
		}
		_, werr := f.Write(audio.EncodeWAV(in.Samples, audio.TargetSampleRate))
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			os.Remove(f.Name())
			return nil, stt.Info{}, fmt.Errorf("write temp audio: %w", err)
		}
		path, tmp = f.Name(), f.Name()
	}

	args, err := r.args(path, opts)
	if err != nil {
		removeTemp(tmp)
		return nil, stt.Info{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...)
	cmd.Env = os.Environ()
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		removeTemp(tmp)
		return nil, stt.Info{}, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		removeTemp(tmp)
		return nil, stt.Info{}, fmt.Errorf("%w: start: %v", ErrHelper, err)
	}

	s := &stream{
		cmd:     cmd,
		cancel:  cancel,
		scanner: bufio.NewScanner(stdout),
		stderr:  stderr,
		tmp:     tmp,
	}
	s.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	first, err := s.readLine()
	if err != nil {
		s.Close()
		if errors.Is(err, io.EOF) {
			return nil, stt.Info{}, fmt.Errorf("%w: no output", ErrHelper)
		}
		return nil, stt.Info{}, err
	}
	if first.Type != "info" {
		s.Close()
		return nil, stt.Info{}, fmt.Errorf("%w: expected info line, got %q", ErrHelper, first.Type)
	}

	r.logger.Debug().
		Str("model", r.model.Name()).
		Str("input", path).
		Float64("duration", first.Duration).
		Msg("Helper started")

	return s, stt.Info{Duration: first.Duration, Language: first.Language}, nil
}

// Close implements stt.Recognizer. Each run owns its own process, so there is nothing
// to release.
func (r *Recognizer) Close() error {
	return nil
}

type stream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	tmp     string

	once    sync.Once
	waitErr error
}

func (s *stream) readLine() (wireLine, error) {
	for s.scanner.Scan() {
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l wireLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return wireLine{}, fmt.Errorf("%w: bad output line %q: %v", ErrHelper, raw, err)
		}
		if l.Type == "error" {
			return wireLine{}, fmt.Errorf("%w: %s", ErrHelper, l.Message)
		}
		return l, nil
	}
	if err := s.scanner.Err(); err != nil {
		return wireLine{}, fmt.Errorf("%w: read output: %v", ErrHelper, err)
	}
	if err := s.wait(); err != nil {
		msg := strings.TrimSpace(s.stderr.String())
		return wireLine{}, fmt.Errorf("%w: %v: %s", ErrHelper, err, msg)
	}
	return wireLine{}, io.EOF
}

// Next implements stt.SegmentStream.
func (s *stream) Next() (stt.Segment, error) {
	for {
		l, err := s.readLine()
		if err != nil {
			return stt.Segment{}, err
		}
		if l.Type != "segment" {
			continue
		}
		seg := stt.Segment{
			Start:      l.Start,
			End:        l.End,
			Text:       strings.TrimSpace(l.Text),
			AvgLogprob: l.AvgLogprob,
		}
		for _, w := range l.Words {
			seg.Words = append(seg.Words, stt.Word{
				Start:       w.Start,
				End:         w.End,
				Text:        w.Word,
				Probability: w.Probability,
			})
		}
		return seg, nil
	}
}

func (s *stream) wait() error {
	s.once.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close stops the helper if it is still running and removes temporary input.
func (s *stream) Close() error {
	s.cancel()
	err := s.wait()
	removeTemp(s.tmp)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on purpose or already reported through Next.
		return nil
	}
	return err
}

func removeTemp(path string) {
	if path != "" {
		os.Remove(path)
	}
}
