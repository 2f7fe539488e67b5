// Package malgo implements audio.Backend on top of miniaudio.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"subtitle-stt-engine/internal/service/audio"
)

const (
	fallbackRate     = 48000
	fallbackChannels = 2
)

// Backend enumerates and opens capture devices through a miniaudio context.
type Backend struct {
	ctx    *malgo.AllocatedContext
	logger zerolog.Logger

	mu  sync.Mutex
	ids map[int]malgo.DeviceID
}

// New initializes a miniaudio context with the platform's default backends.
func New(logger zerolog.Logger) (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug().Str("source", "miniaudio").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Backend{ctx: ctx, logger: logger, ids: make(map[int]malgo.DeviceID)}, nil
}

// Devices lists capture devices. Indexes are positions in the platform list.
func (b *Backend) Devices(ctx context.Context) ([]audio.Device, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	devices := make([]audio.Device, 0, len(infos))
	for i, info := range infos {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		full, err := b.ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared)
		if err != nil {
			full = info
		}
		b.ids[i] = info.ID
		devices = append(devices, toDevice(i, full, info.IsDefault != 0))
	}
	return devices, nil
}

// DefaultInput returns the device flagged as default, or the first device.
func (b *Backend) DefaultInput(ctx context.Context) (audio.Device, error) {
	devices, err := b.Devices(ctx)
	if err != nil {
		return audio.Device{}, err
	}
	if len(devices) == 0 {
		return audio.Device{}, fmt.Errorf("%w: no capture devices", audio.ErrDeviceUnavailable)
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return devices[0], nil
}

func toDevice(index int, info malgo.DeviceInfo, isDefault bool) audio.Device {
	d := audio.Device{
		Index:     index,
		Name:      info.Name(),
		IsDefault: isDefault,
	}
	n := int(info.FormatCount)
	if n > len(info.Formats) {
		n = len(info.Formats)
	}
	for _, f := range info.Formats[:n] {
		if int(f.Channels) > d.MaxInputChannels {
			d.MaxInputChannels = int(f.Channels)
		}
		if d.DefaultSampleRate == 0 && f.SampleRate > 0 {
			d.DefaultSampleRate = float64(f.SampleRate)
		}
	}
	// miniaudio converts on our behalf when the driver reports no native formats.
	if n == 0 {
		d.MaxInputChannels = fallbackChannels
	}
	if d.DefaultSampleRate == 0 {
		d.DefaultSampleRate = fallbackRate
	}
	return d
}

// Open creates a float32 capture (or loopback) device delivering cfg.BlockSize frames
// per callback.
func (b *Backend) Open(dev audio.Device, cfg audio.StreamConfig, cb audio.Callback) (audio.Stream, error) {
	deviceType := malgo.Capture
	if cfg.Loopback {
		deviceType = malgo.Loopback
	}

	dc := malgo.DefaultDeviceConfig(deviceType)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BlockSize)
	dc.Alsa.NoMMap = 1

	b.mu.Lock()
	id, ok := b.ids[dev.Index]
	b.mu.Unlock()
	if ok {
		dc.Capture.DeviceID = id.Pointer()
	}

	var scratch []float32
	onRecv := func(_, input []byte, frameCount uint32) {
		n := len(input) / 4
		if cap(scratch) < n {
			scratch = make([]float32, n)
		}
		buf := scratch[:n]
		for i := range buf {
			buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		cb(buf, int(frameCount))
	}

	device, err := malgo.InitDevice(b.ctx.Context, dc, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, err
	}
	return &stream{device: device}, nil
}

// Close releases the miniaudio context.
func (b *Backend) Close() error {
	err := b.ctx.Uninit()
	b.ctx.Free()
	return err
}

type stream struct {
	device *malgo.Device
}

func (s *stream) Start() error { return s.device.Start() }

func (s *stream) Stop() error { return s.device.Stop() }

func (s *stream) Close() error {
	s.device.Uninit()
	return nil
}
