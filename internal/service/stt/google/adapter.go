// Package google provides a Google Cloud Speech-to-Text recognizer.
package google

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"subtitle-stt-engine/internal/service/stt"
)

// Config holds recognizer settings.
type Config struct {
	LanguageCode      string
	SampleRateHz      int32
	AudioEncoding     string // encoding of file input; sample input is always LINEAR16
	Model             string
	EnablePunctuation bool
}

// DefaultConfig returns the standard recognizer settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode:      "en-US",
		SampleRateHz:      16000,
		AudioEncoding:     "LINEAR16",
		EnablePunctuation: true,
	}
}

// parseAudioEncoding maps an encoding name to its enum, falling back to LINEAR16.
// Names are matched exactly.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Recognizer implements stt.Recognizer with synchronous Recognize calls.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Recognizer struct {
	client *speech.Client
	cfg    Config
}

// New creates a recognizer with its own Speech client.
func New(ctx context.Context, cfg Config) (*Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Recognizer{client: c, cfg: cfg}, nil
}

// Loader builds Google recognizers. The model identifier, when set, selects the
// Speech model (e.g. "latest_long").
type Loader struct {
	Config Config
}

// Load implements stt.Loader.
func (l Loader) Load(ctx context.Context, mc stt.ModelConfig) (stt.Recognizer, error) {
	cfg := l.Config
	if mc.Model != "" {
		cfg.Model = mc.Model
	}
	return New(ctx, cfg)
}

// Transcribe implements stt.Recognizer.
func (r *Recognizer) Transcribe(ctx context.Context, in stt.Input, opts stt.Options) (stt.SegmentStream, stt.Info, error) {
	if err := in.Validate(); err != nil {
		return nil, stt.Info{}, err
	}

	rc, content, err := r.request(in, opts)
	if err != nil {
		return nil, stt.Info{}, err
	}

	resp, err := r.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
		},
	})
	if err != nil {
		return nil, stt.Info{}, err
	}

	segs := toSegments(resp.GetResults(), opts.WordTimestamps)
	info := stt.Info{Language: rc.GetLanguageCode()}
	if in.IsFile() {
		if len(segs) > 0 {
			info.Duration = segs[len(segs)-1].End
		}
	} else {
		info.Duration = float64(len(in.Samples)) / float64(rc.GetSampleRateHertz())
	}
	return stt.NewSliceStream(segs), info, nil
}

func (r *Recognizer) request(in stt.Input, opts stt.Options) (*speechpb.RecognitionConfig, []byte, error) {
	lang := r.cfg.LanguageCode
	if opts.Language != "" {
		lang = opts.Language
	}
	rc := &speechpb.RecognitionConfig{
		LanguageCode:               lang,
		EnableWordTimeOffsets:      opts.WordTimestamps,
		EnableAutomaticPunctuation: r.cfg.EnablePunctuation,
		Model:                      r.cfg.Model,
	}

	if in.IsFile() {
		content, err := os.ReadFile(in.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", in.Path, err)
		}
		rc.Encoding = parseAudioEncoding(r.cfg.AudioEncoding)
		if rc.Encoding == speechpb.RecognitionConfig_LINEAR16 {
			rc.SampleRateHertz = r.cfg.SampleRateHz
		}
		return rc, content, nil
	}

	rc.Encoding = speechpb.RecognitionConfig_LINEAR16
	rc.SampleRateHertz = 16000
	return rc, pcm16(in.Samples), nil
}

// toSegments turns consecutive results into segments. A result starts where the
// previous one ended unless word offsets say otherwise.
func toSegments(results []*speechpb.SpeechRecognitionResult, withWords bool) []stt.Segment {
	var segs []stt.Segment
	prevEnd := 0.0
	for _, res := range results {
		alts := res.GetAlternatives()
		end := seconds(res.GetResultEndTime())
		if len(alts) == 0 {
			prevEnd = end
			continue
		}
		alt := alts[0]
		seg := stt.Segment{
			Start: prevEnd,
			End:   end,
			Text:  alt.GetTranscript(),
		}
		if c := alt.GetConfidence(); c > 0 {
			seg.AvgLogprob = math.Log(float64(c))
		}
		if words := alt.GetWords(); len(words) > 0 {
			seg.Start = seconds(words[0].GetStartTime())
			if withWords {
				seg.Words = make([]stt.Word, 0, len(words))
				for _, w := range words {
					seg.Words = append(seg.Words, stt.Word{
						Start:       seconds(w.GetStartTime()),
						End:         seconds(w.GetEndTime()),
						Text:        w.GetWord(),
						Probability: float64(w.GetConfidence()),
					})
				}
			}
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		segs = append(segs, seg)
		prevEnd = end
	}
	return segs
}

func seconds(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}

// pcm16 encodes float samples as little-endian signed 16-bit PCM.
func pcm16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// Close releases the Speech client.
func (r *Recognizer) Close() error {
	return r.client.Close()
}
