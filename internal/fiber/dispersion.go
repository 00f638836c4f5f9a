package fiber

import (
	"math"

	"github.com/denny2001/MMTools/internal/constants"
	"github.com/denny2001/MMTools/internal/utils"
)

// Fiber is the fixed physical description of one segment.
type Fiber struct {
	Length  float64     // [m]
	Betas   [][]float64 // [mode][order] Taylor dispersion coefficients [s^k/m]
	N2      float64     // nonlinear refractive index [m^2/W]
	Lambda0 float64     // center vacuum wavelength [m]

	SK  *Tensor // Kerr overlap tensor [1/m^2]
	SRa *Tensor // isotropic Raman overlap tensor [1/m^2]
	SRb *Tensor // anisotropic Raman overlap tensor [1/m^2]
}

// DispersionOperator builds D(w, mode) = i*sum_k betas[m][k]/k! * w^k on the
// supplied angular-frequency grid, referenced to the co-moving frame of the
// first mode (its beta0 and beta1 are subtracted from every mode so the
// window tracks the fundamental's group velocity).
func (f *Fiber) DispersionOperator(omega []float64) [][]complex128 {
	modes := len(f.Betas)
	d := make([][]complex128, modes)
	var ref0, ref1 float64
	if modes > 0 && len(f.Betas[0]) > 0 {
		ref0 = f.Betas[0][0]
	}
	if modes > 0 && len(f.Betas[0]) > 1 {
		ref1 = f.Betas[0][1]
	}
	for m := range d {
		d[m] = make([]complex128, len(omega))
		for i, w := range omega {
			var phase float64
			pw := 1.
			for k, b := range f.Betas[m] {
				phase += b / utils.Factorial(k) * pw
				pw *= w
			}
			phase -= ref0 + ref1*w
			d[m][i] = complex(0, phase)
		}
	}
	return d
}

// NonlinearPrefactor returns the i*n2*w/c scaling applied to the nonlinear
// polarization spectrum, with w the absolute optical frequency of each bin.
func (f *Fiber) NonlinearPrefactor(omega []float64) []complex128 {
	w0 := 2. * math.Pi * constants.FreqFromWavelength(f.Lambda0)
	pre := make([]complex128, len(omega))
	for i, w := range omega {
		pre[i] = complex(0, f.N2*(w0+w)/constants.LightSpeed)
	}
	return pre
}

// MaxBeatStep is the upper step-size bound resolving intermodal beating:
// pi/(4*|beta0_i - beta0_j|) over all mode pairs. Infinite for a single mode
// or degenerate beta0.
func (f *Fiber) MaxBeatStep() float64 {
	limit := math.Inf(1)
	for i := range f.Betas {
		for j := i + 1; j < len(f.Betas); j++ {
			if len(f.Betas[i]) == 0 || len(f.Betas[j]) == 0 {
				continue
			}
			db := math.Abs(f.Betas[i][0] - f.Betas[j][0])
			if db > 0 {
				limit = math.Min(limit, math.Pi/(4.*db))
			}
		}
	}
	return limit
}
