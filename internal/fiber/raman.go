package fiber

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// RamanModel selects the material response used for the delayed nonlinearity.
type RamanModel int

const (
	RamanOff RamanModel = iota
	RamanIsotropic  // damped-oscillator silica response, isotropic term only
	RamanAnisotropic // adds the boson-peak anisotropic response
)

// Silica response constants (Blow-Wood / Lin-Agrawal parametrization).
const (
	ramanT1 = 12.2e-15 // [s]
	ramanT2 = 32.0e-15 // [s]
	ramanTb = 96.0e-15 // [s]
	ramanFR = 0.18     // delayed fraction of the Kerr response
	ramanFb = 0.21     // anisotropic fraction of the delayed response
)

// Raman carries the frequency-domain response kernels sampled on the run's
// grid. Haw and Hbw multiply spectra directly, so the O(N log N) convolution
// in the nonlinear term is a plain elementwise product.
type Raman struct {
	Model    RamanModel
	Fraction float64      // fR
	Haw      []complex128 // isotropic kernel, frequency domain
	Hbw      []complex128 // anisotropic kernel, frequency domain
}

// NewRaman samples the time-domain response kernels on an n-point grid with
// spacing dt and transforms them once. The kernels absorb the fR fraction
// and the dt factor of the convolution integral.
func NewRaman(model RamanModel, n int, dt float64) *Raman {
	r := &Raman{Model: model}
	if model == RamanOff {
		return r
	}
	r.Fraction = ramanFR

	fa := 1.
	if model == RamanAnisotropic {
		fa = 1. - ramanFb
	}
	ha := make([]complex128, n)
	hb := make([]complex128, n)
	norm := (ramanT1*ramanT1 + ramanT2*ramanT2) / (ramanT1 * ramanT2 * ramanT2)
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		av := norm * math.Exp(-t/ramanT2) * math.Sin(t/ramanT1)
		ha[i] = complex(ramanFR*fa*av*dt, 0)
		if model == RamanAnisotropic {
			bv := (2.*ramanTb - t) / (ramanTb * ramanTb) * math.Exp(-t/ramanTb)
			hb[i] = complex(ramanFR*ramanFb*bv*dt, 0)
		}
	}
	r.Haw = fft.FFT(ha)
	if model == RamanAnisotropic {
		r.Hbw = fft.FFT(hb)
	}
	return r
}

// Active reports whether any delayed response is present.
func (r *Raman) Active() bool { return r.Model != RamanOff }
