package stepper

import (
	"math"
	"math/cmplx"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/field"
	"github.com/denny2001/MMTools/internal/gain"
	"github.com/denny2001/MMTools/internal/utils"
)

// Gain is the amplification variant resolved once at setup; funcs supplying
// the backward-traveling quantities come from the stepping controller (they
// read its z-history) and return zero values on the first outer pass.
type Gain struct {
	Kind         config.GainKind
	Gaussian     *gain.Gaussian
	Rate         *gain.RateEqn
	BackwardPump func(z float64) float64
	BackwardASE  func(z float64) []float64
}

// Physics bundles the fixed per-segment data every stepper needs.
type Physics struct {
	D    [][]complex128 // linear operator rate per meter: i*phase + loss
	Dt   float64        // [s]
	Eval Evaluator
	Gain Gain

	// BalanceMisses counts pump-balance fixed-point solves that ran out of
	// iterations; the controller resets it per forward pass and reports a
	// nonzero count as a warning.
	BalanceMisses int
}

// State is the small mutable run state handed between consecutive steps.
// The controller clones it into a trial before each attempt.
type State struct {
	A      field.Field // frequency domain
	Z      float64     // [m]
	Dz     float64     // step being attempted [m]
	NextDz float64     // stepper's recommendation for the next attempt

	// first-same-as-last cache: the nonlinear derivative of A, frequency
	// domain, from the previous accepted RK4IP step
	A5 field.Field

	PumpFwd float64   // [W]
	ASEFwd  []float64 // [W per bin]
	N2      float64   // excited-state fraction at the last solve
}

func (st *State) Clone() *State {
	out := *st
	out.A = st.A.Clone()
	if st.A5 != nil {
		out.A5 = st.A5.Clone()
	}
	if st.ASEFwd != nil {
		out.ASEFwd = append([]float64(nil), st.ASEFwd...)
	}
	return &out
}

// Stepper attempts one adaptive step at st.Dz. It mutates st into the trial
// result and reports whether the local error passed tolerance; the returned
// error is reserved for fatal conditions (MPA non-convergence).
type Stepper interface {
	Step(st *State) (bool, error)
}

// expOperator exponentiates the linear operator over distance h, folding the
// per-bin amplitude gain g (shared by all modes) in with dispersion.
func (p *Physics) expOperator(g []float64, h float64) [][]complex128 {
	out := make([][]complex128, len(p.D))
	for m := range p.D {
		out[m] = make([]complex128, len(p.D[m]))
		for i, d := range p.D[m] {
			if g != nil {
				d += complex(g[i], 0)
			}
			out[m][i] = cmplx.Exp(d * complex(h, 0))
		}
	}
	return out
}

// solveGain obtains the local per-bin amplitude gain for a step of length dz
// starting at st, and advances the forward-carried pump and ASE in st.
// Counter/bi-pumped runs balance the forward pump against the stored
// backward profile with a small fixed-point iteration.
func (p *Physics) solveGain(st *State, dz float64) []float64 {
	switch p.Gain.Kind {
	case config.GainGaussian:
		return p.Gaussian().Coefficient(st.A.EnergyFreq(p.Dt))
	case config.GainRate:
		r := p.Gain.Rate
		spec := r.SpectralPower(p.BinEnergies(st.A), st.ASEFwd, p.backwardASE(st.Z+dz/2))
		bwdPump := p.backwardPump(st.Z + dz/2)

		n2 := r.Inversion(st.PumpFwd+bwdPump, spec)
		if bwdPump > 0 && st.PumpFwd > 0 {
			var ok bool
			n2, ok = utils.FixedPoint(func(x float64) float64 {
				mid := st.PumpFwd * math.Exp(r.PumpCoefficient(x)*dz/2.)
				return r.Inversion(mid+bwdPump, spec)
			}, n2, 1e-10, 50)
			if !ok {
				p.BalanceMisses++
			}
		}
		st.N2 = n2

		g := r.Coefficient(n2)
		st.PumpFwd = gain.AdvancePower(st.PumpFwd, r.PumpCoefficient(n2), 0, dz)
		if st.ASEFwd != nil {
			src := r.ASESource(n2)
			for i := range st.ASEFwd {
				st.ASEFwd[i] = gain.AdvancePower(st.ASEFwd[i], 2.*g[i], src[i], dz)
			}
		}
		return g
	}
	return nil
}

func (p *Physics) Gaussian() *gain.Gaussian { return p.Gain.Gaussian }

func (p *Physics) backwardPump(z float64) float64 {
	if p.Gain.BackwardPump == nil {
		return 0
	}
	return p.Gain.BackwardPump(z)
}

func (p *Physics) backwardASE(z float64) []float64 {
	if p.Gain.BackwardASE == nil {
		return nil
	}
	return p.Gain.BackwardASE(z)
}

// BinEnergies sums per-bin pulse energy over modes of a frequency-domain field.
func (p *Physics) BinEnergies(a field.Field) []float64 {
	n := a.Samples()
	out := make([]float64, n)
	scale := p.Dt / float64(n)
	for m := range a {
		for i, v := range a[m] {
			re, im := real(v), imag(v)
			out[i] += (re*re + im*im) * scale
		}
	}
	return out
}

// recommendStep is the shared controller formula: safety factor 0.8, growth
// clamped to [0.5, 2.0], with the scheme's accuracy-order exponent.
func recommendStep(dz, errv, tol, exponent float64) float64 {
	if errv <= 0 {
		return 2. * dz
	}
	return dz * utils.Clamp(0.8*math.Pow(tol/errv, exponent), 0.5, 2.0)
}

// weightedError is the worst-case per-mode error of diff normalized by the
// local intensity of ref; modes with zero energy are discarded.
func weightedError(diff, ref field.Field) float64 {
	worst := 0.
	for m := range diff {
		w := utils.SumAbs2(ref[m])
		if w == 0 {
			continue
		}
		e := utils.SumAbs2(diff[m]) / w
		if math.IsNaN(e) {
			return math.NaN()
		}
		if e > worst {
			worst = e
		}
	}
	return math.Sqrt(worst)
}

// field combination helpers shared by the two steppers

func applyOp(op [][]complex128, a field.Field) field.Field {
	out := a.Clone()
	out.Apply(op)
	return out
}

func invertOp(op [][]complex128) [][]complex128 {
	out := make([][]complex128, len(op))
	for m := range op {
		out[m] = make([]complex128, len(op[m]))
		for i := range op[m] {
			out[m][i] = 1. / op[m][i]
		}
	}
	return out
}

func scaled(a field.Field, s float64) field.Field {
	out := a.Clone()
	cs := complex(s, 0)
	for m := range out {
		for i := range out[m] {
			out[m][i] *= cs
		}
	}
	return out
}

// axpy returns a + s*b without touching its arguments.
func axpy(a field.Field, b field.Field, s float64) field.Field {
	out := a.Clone()
	cs := complex(s, 0)
	for m := range out {
		for i := range out[m] {
			out[m][i] += cs * b[m][i]
		}
	}
	return out
}
