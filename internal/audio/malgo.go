package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"

	"github.com/alleneee/digital-human/internal/logger"
)

// MalgoBackend captures from the system microphone through miniaudio
type MalgoBackend struct {
	logger *logger.ContextLogger
}

// NewMalgoBackend creates the default capture backend
func NewMalgoBackend(log *logger.Logger) *MalgoBackend {
	return &MalgoBackend{logger: log.With("audio")}
}

// Support implements Backend
func (b *MalgoBackend) Support() Support {
	return DefaultSupport()
}

// Open implements Backend
func (b *MalgoBackend) Open(ctx context.Context, cfg DeviceConfig, onData DataFunc) (Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize malgo context: %v", ErrUnsupportedEnvironment, err)
	}

	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: failed to enumerate capture devices: %v", ErrDeviceUnavailable, err)
	}
	if len(infos) == 0 {
		release()
		return nil, fmt.Errorf("%w: no capture devices", ErrDeviceUnavailable)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)

	found := false
	for i, info := range infos {
		if info.IsDefault != 0 {
			b.logger.Debug("[%d] %s [DEFAULT]", i, info.Name())
		} else {
			b.logger.Debug("[%d] %s", i, info.Name())
		}
		if cfg.Name != "" && info.Name() == cfg.Name {
			deviceConfig.Capture.DeviceID = info.ID.Pointer()
			found = true
		}
	}
	switch {
	case found:
		b.logger.Info("Using capture device: %s", cfg.Name)
	case cfg.Name != "":
		b.logger.Warn("Device '%s' not found, using default", cfg.Name)
	default:
		b.logger.Info("Using default capture device")
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var scratch []float32
	onRecv := func(_, input []byte, frameCount uint32) {
		n := len(input) / 4
		if cap(scratch) < n {
			scratch = make([]float32, n)
		}
		scratch = scratch[:n]
		for i := 0; i < n; i++ {
			scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		onData(downmix(scratch, channels))
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecv,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: failed to initialize capture device: %v", ErrDeviceUnavailable, err)
	}

	if err := ctx.Err(); err != nil {
		device.Uninit()
		release()
		return nil, err
	}

	b.logger.InfoWithFields("Capture device ready", map[string]interface{}{
		"sample_rate": device.SampleRate(),
		"format":      device.CaptureFormat(),
		"channels":    device.CaptureChannels(),
	})

	return &malgoDevice{ctx: mctx, dev: device}, nil
}

// downmix averages interleaved channels into mono in place
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		samples[i] = sum / float32(channels)
	}
	return samples[:frames]
}

type malgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

func (d *malgoDevice) Start() error {
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (d *malgoDevice) Stop() error {
	return d.dev.Stop()
}

func (d *malgoDevice) Close() error {
	d.dev.Uninit()

	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

func (d *malgoDevice) SampleRate() int {
	return int(d.dev.SampleRate())
}
