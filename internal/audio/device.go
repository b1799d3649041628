package audio

import "context"

// DataFunc receives captured mono float32 samples in [-1, 1]. The slice is
// only valid for the duration of the call.
type DataFunc func(samples []float32)

// DeviceConfig is what a session requests from a backend
type DeviceConfig struct {
	Name       string
	SampleRate int
	Channels   int
}

// Device is an opened capture stream
type Device interface {
	Start() error
	Stop() error

	// Close releases the stream and the backend context
	Close() error

	// SampleRate is the rate the device actually delivers
	SampleRate() int
}

// Backend acquires capture devices
type Backend interface {
	// Open acquires the device. It fails with ErrDeviceUnavailable when no
	// device exists or access is denied.
	Open(ctx context.Context, cfg DeviceConfig, onData DataFunc) (Device, error)

	// Support reports the processing paths this environment can run
	Support() Support
}
