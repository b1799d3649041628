package audio

import (
	"encoding/binary"
	"math"
)

const (
	// TargetSampleRate is the rate frames are encoded at
	TargetSampleRate = 16000

	// DefaultFrameSize is the number of samples per frame
	DefaultFrameSize = 4096
)

// Frame is a fixed-length block of 16-bit mono PCM
type Frame struct {
	Samples    []int16
	Seq        uint64
	SampleRate int

	// Padded is the number of trailing zero samples added when a partial
	// buffer was flushed at stop
	Padded int
}

// Bytes returns the little-endian PCM payload sent on the wire
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ToInt16 clips s to [-1, 1] and scales it to 16-bit PCM
func ToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

// Encoder accumulates variable-length sample blocks and emits fixed-size
// frames. It is not safe for concurrent use; a processing path owns it.
type Encoder struct {
	size  int
	rate  int
	carry []int16
	seq   uint64
}

// NewEncoder creates an encoder emitting frames of frameSize samples
func NewEncoder(frameSize, sampleRate int) *Encoder {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return &Encoder{
		size:  frameSize,
		rate:  sampleRate,
		carry: make([]int16, 0, frameSize),
	}
}

// Write appends block and returns every frame completed by it. The
// remainder is carried into the next call.
func (e *Encoder) Write(block []float32) []Frame {
	var frames []Frame
	for _, s := range block {
		e.carry = append(e.carry, ToInt16(s))
		if len(e.carry) == e.size {
			frames = append(frames, e.emit(0))
		}
	}
	return frames
}

// Flush zero-pads a partial carry buffer to a full frame and returns it.
// ok is false when nothing was carried.
func (e *Encoder) Flush() (Frame, bool) {
	if len(e.carry) == 0 {
		return Frame{}, false
	}
	padded := e.size - len(e.carry)
	for len(e.carry) < e.size {
		e.carry = append(e.carry, 0)
	}
	return e.emit(padded), true
}

func (e *Encoder) emit(padded int) Frame {
	samples := make([]int16, e.size)
	copy(samples, e.carry)
	e.carry = e.carry[:0]

	f := Frame{Samples: samples, Seq: e.seq, SampleRate: e.rate, Padded: padded}
	e.seq++
	return f
}

// Carried returns the number of samples waiting for the next frame
func (e *Encoder) Carried() int {
	return len(e.carry)
}
