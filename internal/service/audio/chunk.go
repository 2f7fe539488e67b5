// Package audio provides the capture engine that turns hardware input
// callbacks into timestamped 16 kHz mono chunks.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// TargetSampleRate is the rate every chunk is resampled to.
const TargetSampleRate = 16000

// ErrInvalidSampleRate is returned when resampling from a non-positive rate.
var ErrInvalidSampleRate = errors.New("invalid source sample rate")

// AudioChunk is one hardware callback's worth of audio after downmix and resampling.
// StartTime is derived from the frame counter and is relative to the stream start.
// A published chunk is never mutated.
type AudioChunk struct {
	Samples   []float32
	StartTime float64
	RMS       float64
}

// Duration returns the chunk length in seconds at the target rate.
func (c AudioChunk) Duration() float64 {
	return float64(len(c.Samples)) / TargetSampleRate
}

// Downmix averages interleaved channels into a new mono buffer.
// The result never aliases the input.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += interleaved[base+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts samples from srcRate to TargetSampleRate by linear interpolation.
// Input already at the target rate is returned unchanged. Outputs of one sample or
// fewer collapse to an empty buffer.
func Resample(samples []float32, srcRate float64) ([]float32, error) {
	if srcRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	n := len(samples)
	if n == 0 {
		return []float32{}, nil
	}
	if srcRate == TargetSampleRate {
		return samples, nil
	}

	m := int(math.Round(float64(n) * TargetSampleRate / srcRate))
	if m <= 1 {
		return []float32{}, nil
	}

	out := make([]float32, m)
	step := float64(n) / float64(m)
	last := n - 1
	for j := 0; j < m; j++ {
		pos := float64(j) * step
		i0 := int(pos)
		if i0 >= last {
			out[j] = samples[last]
			continue
		}
		frac := float32(pos - float64(i0))
		out[j] = samples[i0] + (samples[i0+1]-samples[i0])*frac
	}
	return out, nil
}

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty buffer.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeWAV renders mono float samples as a 16-bit PCM WAV file.
// Samples outside [-1, 1] are clipped.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
