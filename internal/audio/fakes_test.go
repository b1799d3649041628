package audio

import (
	"context"
	"errors"
	"sync"
)

type fakeDevice struct {
	rate    int
	onData  DataFunc
	stopErr error

	mu      sync.Mutex
	started bool
	closed  bool
	stops   int
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.started = false
	return d.stopErr
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) SampleRate() int { return d.rate }

func (d *fakeDevice) active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.closed
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// feed pushes samples as if the device callback fired
func (d *fakeDevice) feed(samples []float32) {
	d.onData(samples)
}

type fakeBackend struct {
	support Support
	rate    int
	err     error
	gate    chan struct{} // when set, Open blocks until closed
	entered chan struct{}

	mu      sync.Mutex
	devices []*fakeDevice
	opened  chan *fakeDevice
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		support: Support{Worker: true, Inline: true},
		rate:    TargetSampleRate,
		opened:  make(chan *fakeDevice, 8),
		entered: make(chan struct{}, 8),
	}
}

func (b *fakeBackend) Support() Support { return b.support }

func (b *fakeBackend) Open(ctx context.Context, cfg DeviceConfig, onData DataFunc) (Device, error) {
	b.entered <- struct{}{}
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}

	d := &fakeDevice{rate: b.rate, onData: onData}
	b.mu.Lock()
	b.devices = append(b.devices, d)
	b.mu.Unlock()
	b.opened <- d
	return d, nil
}

func (b *fakeBackend) last() *fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.devices) == 0 {
		return nil
	}
	return b.devices[len(b.devices)-1]
}

var errPermission = errors.New("permission denied")
