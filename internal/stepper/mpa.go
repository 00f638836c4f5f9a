package stepper

import (
	"errors"
	"fmt"
	"math"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/field"
	"github.com/denny2001/MMTools/internal/gain"
	"github.com/denny2001/MMTools/internal/utils"
)

// ErrNotConverged aborts the run when the MPA fixed-point iteration exhausts
// its budget; unconverged results are never silently accepted.
var ErrNotConverged = errors.New("stepper: fixed-point iteration did not converge")

// MPA advances one macro-step of size dz by fixed-point iteration over M+1
// interaction-picture planes spaced dz/M apart; all planes' nonlinear terms
// are evaluated simultaneously, which is where the evaluator's parallel
// implementation earns its keep.
type MPA struct {
	phys             *Physics
	tol              float64
	planes           int // M sub-steps, M+1 planes
	minIter, maxIter int
}

func NewMPA(phys *Physics, tolerance float64, planes, minIter, maxIter int) *MPA {
	return &MPA{phys: phys, tol: tolerance, planes: planes, minIter: minIter, maxIter: maxIter}
}

func (s *MPA) Step(st *State) (bool, error) {
	m := s.planes
	h := st.Dz / float64(m)

	psi := make([]field.Field, m+1)
	for n := range psi {
		psi[n] = st.A.Clone()
	}
	prevLast := st.A.Clone()

	var expOps, invOps [][][]complex128
	ga := newGainAdvance(s.phys, st, h, m)
	if ga == nil {
		// no gain: the linear operators never change across iterations
		expOps, invOps = s.linearOps(nil, h)
	}

	fs := make([]field.Field, m+1)
	converged := false
	for iter := 1; iter <= s.maxIter; iter++ {
		if ga != nil {
			// gain recomputed at every plane from the current field estimate
			expOps, invOps = s.linearOps(ga.coefficients(psi), h)
		}

		// nonlinear term at all planes at once
		planesT := make([]field.Field, m+1)
		for n := range planesT {
			planesT[n] = applyOp(expOps[n], psi[n]).ToTime()
		}
		derivs := s.phys.Eval.Evaluate(planesT)
		for n := range derivs {
			fs[n] = applyOp(invOps[n], derivs[n])
		}

		// trapezoidal multistep update of every plane from plane 0
		acc := scaled(fs[0], 0.5)
		for n := 1; n <= m; n++ {
			update := axpy(axpy(st.A, acc, h), fs[n], h/2.)
			if n < m {
				acc = axpy(acc, fs[n], 1.)
			}
			psi[n] = update
		}

		delta := relativeDiff(psi[m], prevLast)
		if math.IsNaN(delta) {
			st.NextDz = st.Dz / 2.
			return false, nil
		}
		prevLast = psi[m].Clone()
		if delta < s.tol && iter >= s.minIter {
			converged = true
			break
		}
	}
	if !converged {
		return false, fmt.Errorf("%w: %d prediction iterations at z=%g m", ErrNotConverged, s.maxIter, st.Z)
	}

	result := applyOp(expOps[m], psi[m])

	// error proxy: redo the final integral on the coarse every-other-plane
	// grid and compare against the fine result
	coarse := scaled(fs[0], 0.5)
	for n := 2; n < m; n += 2 {
		coarse = axpy(coarse, fs[n], 1.)
	}
	psiCoarse := axpy(axpy(st.A, coarse, 2.*h), fs[m], h)
	diff := axpy(psi[m], psiCoarse, -1.)
	errv := weightedError(diff, result)

	if math.IsNaN(errv) || result.HasNaN() {
		st.NextDz = st.Dz / 2.
		return false, nil
	}
	st.NextDz = recommendStep(st.Dz, errv, s.tol, 1./3.)
	if errv >= s.tol {
		return false, nil
	}

	st.A = result
	st.Z += st.Dz
	if ga != nil {
		ga.commit(st)
	}
	return true, nil
}

// linearOps exponentiates the interaction-picture operators for every plane
// offset n*h, with per-plane cumulative gain folded in when g is non-nil.
func (s *MPA) linearOps(g [][]float64, h float64) (expOps, invOps [][][]complex128) {
	m := s.planes
	expOps = make([][][]complex128, m+1)
	invOps = make([][][]complex128, m+1)
	cum := make([]float64, len(s.phys.D[0]))
	for n := 0; n <= m; n++ {
		var fold []float64
		if g != nil {
			if n > 0 {
				for i := range cum {
					cum[i] += g[n-1][i]
				}
			}
			fold = make([]float64, len(cum))
			for i := range cum {
				// average gain rate over the distance n*h
				if n > 0 {
					fold[i] = cum[i] / float64(n)
				}
			}
		}
		expOps[n] = s.phys.expOperator(fold, float64(n)*h)
		invOps[n] = invertOp(expOps[n])
	}
	return
}

// gainAdvance marches the rate-equation quantities across the sub-planes of
// one macro-step; pump transfer is sequential along z within the slab.
type gainAdvance struct {
	phys    *Physics
	rate    *gain.RateEqn
	z0, h   float64
	m       int
	pump    []float64   // forward pump entering each plane
	n2      []float64   // inversion at each plane
	ase     [][]float64 // forward ASE entering each plane
	initial *State
}

func newGainAdvance(p *Physics, st *State, h float64, m int) *gainAdvance {
	if p.Gain.Kind == config.GainNone {
		return nil
	}
	ga := &gainAdvance{phys: p, z0: st.Z, h: h, m: m, initial: st}
	if p.Gain.Kind == config.GainRate {
		ga.rate = p.Gain.Rate
		ga.pump = make([]float64, m+1)
		ga.n2 = make([]float64, m+1)
		ga.pump[0] = st.PumpFwd
		if st.ASEFwd != nil {
			ga.ase = make([][]float64, m+1)
			ga.ase[0] = append([]float64(nil), st.ASEFwd...)
		}
	}
	return ga
}

// coefficients returns the per-plane amplitude gain spectra for the current
// field estimates, advancing pump and ASE plane to plane.
func (ga *gainAdvance) coefficients(psi []field.Field) [][]float64 {
	out := make([][]float64, ga.m+1)
	if ga.rate == nil {
		g := ga.phys.Gaussian().Coefficient(ga.initial.A.EnergyFreq(ga.phys.Dt))
		for n := range out {
			out[n] = g
		}
		return out
	}
	for n := 0; n <= ga.m; n++ {
		z := ga.z0 + float64(n)*ga.h
		var aseHere []float64
		if ga.ase != nil {
			aseHere = ga.ase[n]
		}
		spec := ga.rate.SpectralPower(ga.phys.BinEnergies(psi[n]), aseHere, ga.phys.backwardASE(z))
		ga.n2[n] = ga.rate.Inversion(ga.pump[n]+ga.phys.backwardPump(z), spec)
		out[n] = ga.rate.Coefficient(ga.n2[n])
		if n < ga.m {
			ga.pump[n+1] = gain.AdvancePower(ga.pump[n], ga.rate.PumpCoefficient(ga.n2[n]), 0, ga.h)
			if ga.ase != nil {
				src := ga.rate.ASESource(ga.n2[n])
				next := make([]float64, len(ga.ase[n]))
				for i := range next {
					next[i] = gain.AdvancePower(ga.ase[n][i], 2.*out[n][i], src[i], ga.h)
				}
				ga.ase[n+1] = next
			}
		}
	}
	return out
}

// commit folds the final-plane gain state into the accepted step state.
func (ga *gainAdvance) commit(st *State) {
	if ga.rate == nil {
		return
	}
	st.PumpFwd = ga.pump[ga.m]
	st.N2 = utils.Average(ga.n2)
	if ga.ase != nil {
		st.ASEFwd = ga.ase[ga.m]
	}
}

// relativeDiff is the energy-weighted normalized RMS difference between two
// final-plane estimates.
func relativeDiff(a, b field.Field) float64 {
	var num, den float64
	for m := range a {
		for i := range a[m] {
			d := a[m][i] - b[m][i]
			num += real(d)*real(d) + imag(d)*imag(d)
			v := a[m][i]
			den += real(v)*real(v) + imag(v)*imag(v)
		}
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}
