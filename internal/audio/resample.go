package audio

// Resampler converts a mono stream between sample rates with linear
// interpolation. State carries across blocks so block boundaries do not
// click. Devices that ignore the requested rate (commonly 44.1 or 48 kHz)
// are brought back to the encoder rate here.
type Resampler struct {
	from, to int
	step     float64

	pos  float64 // read position relative to the start of the next block
	prev float32
}

// NewResampler creates a resampler from one rate to another
func NewResampler(from, to int) *Resampler {
	return &Resampler{
		from: from,
		to:   to,
		step: float64(from) / float64(to),
	}
}

// Passthrough reports whether the rates match
func (r *Resampler) Passthrough() bool {
	return r.from == r.to || r.from <= 0 || r.to <= 0
}

// Process converts one block
func (r *Resampler) Process(in []float32) []float32 {
	if r.Passthrough() {
		return in
	}
	n := len(in)
	if n == 0 {
		return nil
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	out := make([]float32, 0, int(float64(n)/r.step)+1)
	for r.pos < float64(n-1) {
		i := int(r.pos)
		if r.pos < 0 {
			i = -1
		}
		frac := float32(r.pos - float64(i))
		a, b := at(i), at(i+1)
		out = append(out, a+(b-a)*frac)
		r.pos += r.step
	}

	r.pos -= float64(n)
	r.prev = in[n-1]
	return out
}
