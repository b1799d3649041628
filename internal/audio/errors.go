package audio

import "errors"

var (
	// ErrDeviceUnavailable means no capture device exists or access was denied
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrUnsupportedEnvironment means neither processing path can run here
	ErrUnsupportedEnvironment = errors.New("audio processing not supported in this environment")

	// ErrStartCancelled is returned by Start when Stop ran during device acquisition
	ErrStartCancelled = errors.New("recording start cancelled")

	// ErrAlreadyRecording is returned by Start on an active session
	ErrAlreadyRecording = errors.New("already recording")
)
