// Package propagate drives the z-loop: adaptive step control, pulse
// centering, save-point extraction, the segmented z-history and the outer
// convergence iteration for backward-coupled gain.
package propagate

import (
	"context"
	"fmt"
	"math"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/fiber"
	"github.com/denny2001/MMTools/internal/field"
	"github.com/denny2001/MMTools/internal/gain"
	"github.com/denny2001/MMTools/internal/stepper"
)

// Options is the full in-memory input contract: the validated parameters,
// the fiber description and the initial condition.
type Options struct {
	Params config.ModelParameters
	Fiber  *fiber.Fiber
	Input  field.Field // time domain, Samples x modes

	RateParams *gain.RateEqnParams // required for the rate-eqn gain model

	InitialASEFwd []float64 // optional seed spectra [W per bin]
	InitialASEBwd []float64
}

// Result accumulates the saved trace along z.
type Result struct {
	Z      []float64
	Fields []field.Field // frequency domain snapshots
	DeltaZ []float64     // step size in use at each save point [m]
	TDelay []float64     // accumulated centering shift [s]

	PumpFwd []float64
	PumpBwd []float64
	ASEFwd  [][]float64
	ASEBwd  [][]float64
	N2      []float64 // excited-state fraction, 0 when gain is off

	Steps    int
	Rejected int
	Warnings []string

	// PassEnergies is the output pulse energy after each pass of the outer
	// gain iteration [J]; a single entry when no backward coupling is on.
	PassEnergies []float64
}

// OutputEnergy is the pulse energy at the final save point [J].
func (r *Result) OutputEnergy(dt float64) float64 {
	if len(r.Fields) == 0 {
		return 0
	}
	return r.Fields[len(r.Fields)-1].EnergyFreq(dt)
}

type runner struct {
	p      config.ModelParameters
	fib    *fiber.Fiber
	omega  []float64
	dt     float64
	phys   *stepper.Physics
	step   stepper.Stepper
	rate   *gain.RateEqn
	mask   []float64
	dzCap  float64 // max step from config and beat-length limit
	hist   *History
	input  field.Field // frequency domain initial condition
	aseFwd []float64
}

const minStep = 1e-12 // [m]

// New assembles the propagation; every dimension mismatch is caught here,
// before any stepping.
func New(opt Options) (*runner, error) {
	p := opt.Params
	if err := p.Validate(); err != nil {
		return nil, err
	}
	modes := len(p.Betas)
	if opt.Input.Modes() != modes {
		return nil, fmt.Errorf("%w: input field has %d modes, Betas describe %d",
			config.ErrConfig, opt.Input.Modes(), modes)
	}
	if opt.Input.Samples() != p.Samples {
		return nil, fmt.Errorf("%w: input field has %d samples, configuration says %d",
			config.ErrConfig, opt.Input.Samples(), p.Samples)
	}
	if opt.Fiber.SK == nil || opt.Fiber.SK.Modes() != modes {
		return nil, fmt.Errorf("%w: Kerr tensor does not match the mode count", config.ErrConfig)
	}
	if opt.Fiber.SRa == nil || opt.Fiber.SRa.Modes() != modes {
		return nil, fmt.Errorf("%w: Raman tensor does not match the mode count", config.ErrConfig)
	}

	r := &runner{p: p, fib: opt.Fiber, dt: p.Dt()}
	r.omega = field.OmegaGrid(p.Samples, r.dt)
	r.input = opt.Input.ToFreq()

	raman := fiber.NewRaman(p.RamanKind(), p.Samples, r.dt)
	var noise *stepper.NoiseSource
	if p.SpontaneousRaman {
		noise = stepper.NewNoiseSource(p.NoiseSeed, p.Lambda0, r.dt)
	}
	eval := stepper.NewEvaluator(opt.Fiber, raman, opt.Fiber.NonlinearPrefactor(r.omega),
		p.ScalarField, p.Threads, noise)

	r.phys = &stepper.Physics{
		D:    opt.Fiber.DispersionOperator(r.omega),
		Dt:   r.dt,
		Eval: eval,
	}

	switch p.GainKind() {
	case config.GainGaussian:
		r.phys.Gain = stepper.Gain{
			Kind:     config.GainGaussian,
			Gaussian: gain.NewGaussian(p.GainCoeff, p.GainBandwidth, p.SaturationEnergy, r.omega),
		}
	case config.GainRate:
		if opt.RateParams == nil {
			return nil, fmt.Errorf("%w: rate-eqn gain selected without rate parameters", config.ErrConfig)
		}
		re, err := gain.NewRateEqn(*opt.RateParams, r.omega, p.Lambda0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
		r.rate = re
		r.phys.Gain = stepper.Gain{Kind: config.GainRate, Rate: re}
		if opt.RateParams.IncludeASE {
			r.aseFwd = make([]float64, p.Samples)
			if opt.InitialASEFwd != nil {
				copy(r.aseFwd, opt.InitialASEFwd)
			}
		}
	}

	switch p.AlgorithmKind() {
	case config.MPA:
		r.step = stepper.NewMPA(r.phys, p.Tolerance, p.Parallelism,
			p.MPAMinIterations, p.MPAMaxIterations)
	default:
		r.step = stepper.NewRK4IP(r.phys, p.Tolerance)
	}

	if p.DampingWindow {
		r.mask = field.DampingWindow(p.Samples, 0.1)
	}
	r.dzCap = math.Min(p.MaxStep, opt.Fiber.MaxBeatStep())

	if r.bidirectional() {
		slots := 2048
		budget := int64(p.MemoryBudgetMB) * 1 << 20
		recordBytes := (recordScalars + 2*p.Samples) * 8
		store := NewMemStore()
		if int64(slots*recordBytes) > budget {
			fs, err := NewFileStore()
			if err != nil {
				return nil, err
			}
			store = fs
		}
		r.hist = NewHistory(slots, p.Samples, p.FiberLength, budget, store)
		r.phys.Gain.BackwardPump = r.hist.PumpBwdAt
		if opt.RateParams.IncludeASE {
			r.phys.Gain.BackwardASE = r.hist.ASEBwdAt
		}
	}
	return r, nil
}

func (r *runner) bidirectional() bool {
	if r.rate == nil {
		return false
	}
	return r.p.PumpPowerBackward > 0 || r.rate.IncludeASE
}

func (r *runner) Close() {
	if r.hist != nil {
		r.hist.Close()
	}
}

// Run propagates to the fiber end, with the outer forward/backward
// convergence iteration when the gain couples both directions.
func Run(ctx context.Context, opt Options) (*Result, error) {
	r, err := New(opt)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if !r.bidirectional() {
		res, err := r.propagateOnce(ctx)
		if err != nil {
			return nil, err
		}
		res.PassEnergies = []float64{res.OutputEnergy(r.dt)}
		return res, nil
	}
	return r.converge(ctx, opt)
}

// propagateOnce is one full forward pass of the adaptive z-loop.
func (r *runner) propagateOnce(ctx context.Context) (*Result, error) {
	p := r.p
	st := &stepper.State{
		A:       r.input.Clone(),
		Dz:      p.InitialStep,
		NextDz:  p.InitialStep,
		PumpFwd: p.PumpPowerForward,
	}
	if r.aseFwd != nil {
		st.ASEFwd = append([]float64(nil), r.aseFwd...)
	}

	res := &Result{}
	delay := 0.
	lastDz := p.InitialStep
	saves := int(math.Round(p.FiberLength / p.SaveStep))
	lastSlot := -1
	r.phys.BalanceMisses = 0
	r.snapshot(res, st, lastDz, delay)

	for save := 1; save <= saves; save++ {
		target := float64(save) * p.SaveStep
		for st.Z < target-minStep {
			// cancellation is cooperative, once per z-step
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("propagation stopped by request: %w", err)
			}

			dz := math.Min(st.NextDz, r.dzCap)
			dz = math.Min(dz, target-st.Z)
			if dz < minStep {
				return nil, &StepError{Step: res.Steps, Z: st.Z, Wrapped: ErrStepUnderflow}
			}

			trial := st.Clone()
			trial.Dz = dz
			ok, err := r.step.Step(trial)
			if err != nil {
				return nil, &StepError{Step: res.Steps, Z: st.Z, Wrapped: err}
			}
			if !ok {
				res.Rejected++
				if trial.NextDz >= dz {
					trial.NextDz = dz / 2.
				}
				st.NextDz = trial.NextDz
				continue
			}

			if r.mask != nil {
				trial.A.ApplyMask(r.mask)
				trial.A5 = nil // the cached derivative no longer matches the masked field
			}
			if trial.A.HasNaN() {
				return nil, &StepError{Step: res.Steps, Z: trial.Z, Wrapped: ErrDivergence}
			}
			if p.PulseCentering {
				delay += r.recenter(trial)
			}
			res.Steps++
			lastDz = dz
			st = trial

			if r.hist != nil {
				slot := r.hist.Slot(st.Z)
				if err := r.recordForward(st, lastSlot+1, slot); err != nil {
					return nil, err
				}
				lastSlot = slot
			}
		}
		r.snapshot(res, st, lastDz, delay)
	}
	if n := r.phys.BalanceMisses; n > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("pump balance iteration missed tolerance on %d step attempts", n))
	}
	return res, nil
}

// recenter shifts the field so its intensity center of mass stays at the
// window center, returning the time shift applied.
func (r *runner) recenter(st *stepper.State) float64 {
	at := st.A.ToTime()
	offset, weight := at.TemporalCenter()
	shift := int(math.Round(offset))
	if weight == 0 || shift == 0 {
		return 0
	}
	at.CircularShift(-shift)
	st.A = at.ToFreq()
	st.A5 = nil // the cached derivative no longer matches the shifted field
	return float64(shift) * r.dt
}

// recordForward stores the forward-pass quantities for every slot the
// accepted step crossed.
func (r *runner) recordForward(st *stepper.State, from, to int) error {
	if to < from {
		return nil
	}
	spec := r.rate.SpectralPower(r.phys.BinEnergies(st.A), st.ASEFwd)
	var rec Record
	for slot := from; slot <= to; slot++ {
		if err := r.hist.Read(slot, &rec); err != nil {
			return err
		}
		rec.PumpFwd = st.PumpFwd
		rec.N2 = st.N2
		copy(rec.SpecPower, spec)
		if err := r.hist.Write(slot, &rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) snapshot(res *Result, st *stepper.State, dz, delay float64) {
	res.Z = append(res.Z, st.Z)
	res.Fields = append(res.Fields, st.A.Clone())
	res.DeltaZ = append(res.DeltaZ, dz)
	res.TDelay = append(res.TDelay, delay)
	res.PumpFwd = append(res.PumpFwd, st.PumpFwd)
	res.N2 = append(res.N2, st.N2)
	if st.ASEFwd != nil {
		res.ASEFwd = append(res.ASEFwd, append([]float64(nil), st.ASEFwd...))
	}
	if r.hist != nil {
		res.PumpBwd = append(res.PumpBwd, r.hist.PumpBwdAt(st.Z))
		res.ASEBwd = append(res.ASEBwd, r.hist.ASEBwdAt(st.Z))
	} else {
		res.PumpBwd = append(res.PumpBwd, 0)
	}
}
