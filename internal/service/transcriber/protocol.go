package transcriber

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"subtitle-stt-engine/internal/service/segmenter"
	"subtitle-stt-engine/internal/service/stt"
)

// ErrMalformedAudio is returned when a request's audio payload is not a whole
// number of float32 samples.
var ErrMalformedAudio = errors.New("malformed audio payload")

// CommandKind tags a worker command.
type CommandKind int

const (
	CmdLoadModel CommandKind = iota + 1
	CmdTranscribeLive
	CmdTranscribeFinal
	CmdTranscribeFile
	CmdTranscribeFileWithSegments
	CmdCancelFile
	CmdShutdown
	CmdReloadSettings
)

func (k CommandKind) String() string {
	switch k {
	case CmdLoadModel:
		return "LOAD_MODEL"
	case CmdTranscribeLive:
		return "TRANSCRIBE_LIVE"
	case CmdTranscribeFinal:
		return "TRANSCRIBE_FINAL"
	case CmdTranscribeFile:
		return "TRANSCRIBE_FILE"
	case CmdTranscribeFileWithSegments:
		return "TRANSCRIBE_FILE_WITH_SEGMENTS"
	case CmdCancelFile:
		return "CANCEL_FILE"
	case CmdShutdown:
		return "SHUTDOWN"
	case CmdReloadSettings:
		return "RELOAD_SETTINGS"
	default:
		return fmt.Sprintf("COMMAND(%d)", int(k))
	}
}

// Command is a message for the worker. The set of implementations is closed.
type Command interface {
	Kind() CommandKind
	command()
}

// LoadModel loads the model named by the current settings.
type LoadModel struct{}

// TranscribeFile transcribes a whole media file.
type TranscribeFile struct {
	Path string
}

// TranscribeFileWithSegments splits a file on silence and transcribes each voice span.
type TranscribeFileWithSegments struct {
	Path         string
	Segmentation segmenter.SilenceConfig
}

// CancelFile aborts the file job in progress.
type CancelFile struct{}

// Shutdown stops the worker loop.
type Shutdown struct{}

// ReloadSettings changes worker settings without reloading the model.
type ReloadSettings struct {
	Update SettingsUpdate
}

func (LoadModel) Kind() CommandKind                  { return CmdLoadModel }
func (TranscribeFile) Kind() CommandKind             { return CmdTranscribeFile }
func (TranscribeFileWithSegments) Kind() CommandKind { return CmdTranscribeFileWithSegments }
func (CancelFile) Kind() CommandKind                 { return CmdCancelFile }
func (Shutdown) Kind() CommandKind                   { return CmdShutdown }
func (ReloadSettings) Kind() CommandKind             { return CmdReloadSettings }

func (LoadModel) command()                  {}
func (TranscribeFile) command()             {}
func (TranscribeFileWithSegments) command() {}
func (CancelFile) command()                 {}
func (Shutdown) command()                   {}
func (ReloadSettings) command()             {}
func (TranscribeRequest) command()          {}

// Source tags where audio came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceFile      Source = "file"
	SourceSegmented Source = "file_with_segments"
)

// TranscribeRequest is one buffer of audio for the worker. Audio holds
// little-endian float32 samples at 16 kHz mono.
type TranscribeRequest struct {
	ID        string
	Audio     []byte
	StartTime float64
	EndTime   float64
	IsFinal   bool
	Source    Source
}

// Kind reports TRANSCRIBE_FINAL for final requests and TRANSCRIBE_LIVE otherwise.
func (r TranscribeRequest) Kind() CommandKind {
	if r.IsFinal {
		return CmdTranscribeFinal
	}
	return CmdTranscribeLive
}

// NewRequest builds a request with a fresh ID.
func NewRequest(samples []float32, start, end float64, isFinal bool, source Source) TranscribeRequest {
	return TranscribeRequest{
		ID:        uuid.NewString(),
		Audio:     EncodeSamples(samples),
		StartTime: start,
		EndTime:   end,
		IsFinal:   isFinal,
		Source:    source,
	}
}

// EncodeSamples serializes samples as little-endian float32.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAudio, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Word is a recognized word in absolute session or file time.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
}

// TranscribeResult is one recognized segment in absolute time. SegmentID is
// assigned downstream.
type TranscribeResult struct {
	SegmentID  string  `json:"segmentId,omitempty"`
	RequestID  string  `json:"requestId,omitempty"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Words      []Word  `json:"words,omitempty"`
	IsFinal    bool    `json:"isFinal"`
	Source     Source  `json:"source"`
	AvgLogprob float64 `json:"avgLogprob"`
	AvgRMS     float64 `json:"avgRms"`
}

func toWords(words []stt.Word, offset float64) []Word {
	if len(words) == 0 {
		return nil
	}
	out := make([]Word, len(words))
	for i, w := range words {
		out[i] = Word{
			Start:       offset + w.Start,
			End:         offset + w.End,
			Text:        w.Text,
			Probability: w.Probability,
		}
	}
	return out
}

// ResultKind tags a message on the result channel.
type ResultKind int

const (
	ResultModelReady ResultKind = iota + 1
	ResultModelError
	ResultTranscriptionBatch
	ResultTranscriptionError
	ResultFileAllSegments
	ResultFileCompleted
	ResultFileCancelled
)

func (k ResultKind) String() string {
	switch k {
	case ResultModelReady:
		return "MODEL_READY"
	case ResultModelError:
		return "MODEL_ERROR"
	case ResultTranscriptionBatch:
		return "TRANSCRIPTION_BATCH"
	case ResultTranscriptionError:
		return "TRANSCRIPTION_ERROR"
	case ResultFileAllSegments:
		return "FILE_ALL_SEGMENTS"
	case ResultFileCompleted:
		return "FILE_COMPLETED"
	case ResultFileCancelled:
		return "FILE_CANCELLED"
	default:
		return fmt.Sprintf("RESULT(%d)", int(k))
	}
}

// Result is a message from the worker. RequestID names the live request or the
// operation that produced it, Path the file for file outcomes.
type Result struct {
	Kind      ResultKind
	RequestID string
	Path      string
	Segments  []TranscribeResult
	Err       error
}
