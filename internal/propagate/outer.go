package propagate

import (
	"context"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/denny2001/MMTools/internal/gain"
)

// converge alternates forward propagation passes with backward sweeps of
// the pump and ASE until the output pulse energy and the backward ASE
// stabilize. Non-convergence is not fatal: the last pass is returned with
// a warning attached.
func (r *runner) converge(ctx context.Context, opt Options) (*Result, error) {
	// Seed the table with a signal-free backward sweep so the first forward
	// pass already sees a backward pump estimate instead of zeros.
	if err := r.backwardSweep(opt.InitialASEBwd); err != nil {
		return nil, err
	}

	var (
		res      *Result
		energies []float64
		prevE    = math.NaN()
		prevASE  = math.NaN()
	)
	for it := 1; it <= r.p.GainMaxIterations; it++ {
		var err error
		res, err = r.propagateOnce(ctx)
		if err != nil {
			return nil, err
		}

		e := res.OutputEnergy(r.dt)
		energies = append(energies, e)
		aseOut := r.backwardASEOut()
		if it > 1 && relChange(e, prevE) <= r.p.GainTolerance &&
			relChange(aseOut, prevASE) <= r.p.GainTolerance {
			res.PassEnergies = energies
			return res, nil
		}
		prevE, prevASE = e, aseOut

		if err := r.backwardSweep(opt.InitialASEBwd); err != nil {
			return nil, err
		}
	}

	w := fmt.Sprintf("gain iteration did not converge within %d passes (pulse energy %.4g J)",
		r.p.GainMaxIterations, prevE)
	res.Warnings = append(res.Warnings, w)
	fmt.Fprintln(os.Stderr, "warning:", w)
	res.PassEnergies = energies
	return res, nil
}

// backwardSweep marches the backward pump and ASE from the far fiber end to
// the launch end against the stored forward-pass record, updating the
// PumpBwd and ASEBwd columns in place.
func (r *runner) backwardSweep(aseSeed []float64) error {
	h := r.hist
	dz := h.SlotWidth()
	bins := len(r.omega)

	pump := r.p.PumpPowerBackward
	ase := make([]float64, bins)
	if r.rate.IncludeASE && aseSeed != nil {
		copy(ase, aseSeed)
	}

	var rec Record
	total := make([]float64, bins)
	for slot := h.Slots() - 1; slot >= 0; slot-- {
		if err := h.Read(slot, &rec); err != nil {
			return err
		}

		// Inversion from everything present at this z: both pumps, the
		// stored signal+forward-ASE spectrum, and the backward ASE.
		for i := range total {
			total[i] = rec.SpecPower[i] + ase[i]
		}
		n2 := r.rate.Inversion(rec.PumpFwd+pump, total)

		rec.PumpBwd = pump
		copy(rec.ASEBwd, ase)
		rec.N2 = n2
		if err := h.Write(slot, &rec); err != nil {
			return err
		}

		// Advance along the backward wave's own direction of travel.
		pump = gain.AdvancePower(pump, r.rate.PumpCoefficient(n2), 0, dz)
		if r.rate.IncludeASE {
			src := r.rate.ASESource(n2)
			coeff := r.rate.Coefficient(n2)
			for i := range ase {
				ase[i] = gain.AdvancePower(ase[i], 2.*coeff[i], src[i], dz)
			}
		}
	}
	return nil
}

// backwardASEOut sums the backward ASE power leaving the launch end, the
// quantity the convergence test watches alongside the pulse energy.
func (r *runner) backwardASEOut() float64 {
	return floats.Sum(r.hist.ASEBwdAt(0)) + r.hist.PumpBwdAt(0)
}

func relChange(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.Inf(1)
	}
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}
