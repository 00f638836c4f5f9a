// Package field holds the discretized optical field and its transform pair.
//
// A Field is a set of M mode envelopes sampled on a common grid of N points.
// The same array shape serves both representations: time-domain samples a(t)
// or frequency-domain samples A(w) = FFT(a). Callers track which
// representation they hold; the stepping code keeps fields in the frequency
// domain and converts to time only for the nonlinear term.
package field

import (
	"math"

	"github.com/mjibson/go-dsp/fft"

	"github.com/denny2001/MMTools/internal/utils"
)

// Field is indexed as [mode][sample].
type Field [][]complex128

func New(modes, samples int) Field {
	f := make(Field, modes)
	for m := range f {
		f[m] = make([]complex128, samples)
	}
	return f
}

func (f Field) Modes() int { return len(f) }

func (f Field) Samples() int {
	if len(f) == 0 {
		return 0
	}
	return len(f[0])
}

func (f Field) Clone() Field {
	out := make(Field, len(f))
	for m := range f {
		out[m] = make([]complex128, len(f[m]))
		copy(out[m], f[m])
	}
	return out
}

func (f Field) CopyFrom(src Field) {
	for m := range f {
		copy(f[m], src[m])
	}
}

// ToTime converts a frequency-domain field to the time domain.
func (f Field) ToTime() Field {
	out := make(Field, len(f))
	for m := range f {
		out[m] = fft.IFFT(f[m])
	}
	return out
}

// ToFreq converts a time-domain field to the frequency domain.
func (f Field) ToFreq() Field {
	out := make(Field, len(f))
	for m := range f {
		out[m] = fft.FFT(f[m])
	}
	return out
}

// EnergyTime is the integrated pulse energy of a time-domain field
// with sample spacing dt [s]. Mode powers are in |A|^2 = W convention.
func (f Field) EnergyTime(dt float64) (e float64) {
	for m := range f {
		e += utils.SumAbs2(f[m])
	}
	return e * dt
}

// EnergyFreq is the same energy computed from a frequency-domain field,
// using Parseval's identity for the unnormalized forward transform.
func (f Field) EnergyFreq(dt float64) float64 {
	n := f.Samples()
	if n == 0 {
		return 0
	}
	var e float64
	for m := range f {
		e += utils.SumAbs2(f[m])
	}
	return e * dt / float64(n)
}

// ModeEnergiesFreq returns per-mode energies of a frequency-domain field.
func (f Field) ModeEnergiesFreq(dt float64) []float64 {
	n := float64(f.Samples())
	out := make([]float64, len(f))
	for m := range f {
		out[m] = utils.SumAbs2(f[m]) * dt / n
	}
	return out
}

// HasNaN reports a NaN anywhere in the field.
func (f Field) HasNaN() bool {
	for m := range f {
		if utils.HasNaNC(f[m]) {
			return true
		}
	}
	return false
}

// CircularShift rotates every mode by k samples (positive k moves content
// toward later times), in place.
func (f Field) CircularShift(k int) {
	n := f.Samples()
	if n == 0 {
		return
	}
	k = ((k % n) + n) % n
	if k == 0 {
		return
	}
	buf := make([]complex128, n)
	for m := range f {
		copy(buf, f[m])
		copy(f[m][k:], buf[:n-k])
		copy(f[m][:k], buf[n-k:])
	}
}

// TemporalCenter returns the intensity-weighted center sample index of a
// time-domain field, measured relative to the window center, and the total
// weight. Zero fields report a zero offset.
func (f Field) TemporalCenter() (offset float64, weight float64) {
	n := f.Samples()
	center := float64(n) / 2.
	for m := range f {
		for i := range f[m] {
			re, im := real(f[m][i]), imag(f[m][i])
			w := re*re + im*im
			offset += (float64(i) - center) * w
			weight += w
		}
	}
	if weight == 0 {
		return 0, 0
	}
	return offset / weight, weight
}

// Apply multiplies every mode elementwise by op[mode][sample], in place.
func (f Field) Apply(op [][]complex128) {
	for m := range f {
		for i := range f[m] {
			f[m][i] *= op[m][i]
		}
	}
}

// ApplyMask multiplies every mode by a shared real mask, in place.
func (f Field) ApplyMask(mask []float64) {
	for m := range f {
		for i := range f[m] {
			f[m][i] *= complex(mask[i], 0)
		}
	}
}

// DampingWindow builds a raised-cosine mask that rolls off the outer
// fraction of the frequency grid (FFT bin order) to suppress aliasing of
// spectral content that walks toward the grid edge.
func DampingWindow(n int, fraction float64) []float64 {
	mask := make([]float64, n)
	for i := range mask {
		mask[i] = 1
	}
	edge := int(fraction * float64(n) / 2.)
	if edge < 1 {
		return mask
	}
	// Bins n/2-edge .. n/2+edge surround the Nyquist fold.
	for j := 0; j < edge; j++ {
		w := 0.5 * (1. - math.Cos(math.Pi*float64(j)/float64(edge)))
		mask[n/2-1-j] *= w
		mask[(n/2+j)%n] *= w
	}
	return mask
}

// OmegaGrid returns the angular-frequency offsets (FFT bin order) for an
// n-point grid with time spacing dt.
func OmegaGrid(n int, dt float64) []float64 {
	w := make([]float64, n)
	scale := 2. * math.Pi / (float64(n) * dt)
	for i := range w {
		if i < (n+1)/2 {
			w[i] = float64(i) * scale
		} else {
			w[i] = float64(i-n) * scale
		}
	}
	return w
}
