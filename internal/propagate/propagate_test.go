package propagate

import (
	"context"
	m "math"
	"strings"
	"testing"

	"github.com/cpmech/gosl/chk"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/fiber"
	"github.com/denny2001/MMTools/internal/field"
	"github.com/denny2001/MMTools/internal/gain"
)

func baseParams() config.ModelParameters {
	return config.ModelParameters{
		Samples:       64,
		TimeWindow:    16e-12,
		FiberLength:   0.1,
		Lambda0:       1030e-9,
		Betas:         [][]float64{{0, 0, -20e-27}},
		EffectiveArea: 3e-11,
		N2:            0,

		Algorithm:   "RK4IP",
		Tolerance:   1e-8,
		InitialStep: 1e-4,
		MaxStep:     1e-3,
		SaveStep:    0.025,

		RamanModel: "off",
		GainModel:  "none",
	}
}

func gaussianPulse(p config.ModelParameters, peak, fwhm float64) field.Field {
	f := field.New(len(p.Betas), p.Samples)
	dt := p.Dt()
	t0 := fwhm / (2. * m.Sqrt(2.*m.Log(2.)))
	for i := 0; i < p.Samples; i++ {
		t := (float64(i) - float64(p.Samples)/2.) * dt
		f[0][i] = complex(m.Sqrt(peak)*m.Exp(-t*t/(2.*t0*t0)), 0)
	}
	return f
}

// With the nonlinearity off the solver must reproduce the analytic
// dispersion solution at every save point: unchanged spectral magnitudes,
// phases rotated by exp(i*beta2/2*w^2*z).
func TestLinearDispersionAnalytic(t *testing.T) {
	p := baseParams()
	input := gaussianPulse(p, 1e3, 1e-12)
	a0 := input.ToFreq()

	res, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}

	omega := field.OmegaGrid(p.Samples, p.Dt())
	for s, z := range res.Z {
		for i, w := range omega {
			want := a0[0][i] * cmplxExp(-20e-27/2.*w*w*z)
			got := res.Fields[s][0][i]
			d := got - want
			if m.Hypot(real(d), imag(d)) > 1e-9*(1.+m.Hypot(real(want), imag(want))) {
				t.Fatalf("save %d bin %d: %v, want %v", s, i, got, want)
			}
		}
	}
	if res.Rejected != 0 {
		t.Errorf("%d rejected steps in an exact linear run", res.Rejected)
	}
}

func cmplxExp(phase float64) complex128 {
	return complex(m.Cos(phase), m.Sin(phase))
}

// The Kerr term only redistributes phase; total pulse energy must hold to
// within the solver tolerance at every save point.
func TestEnergyConservation(t *testing.T) {
	p := baseParams()
	p.N2 = 2.3e-20
	input := gaussianPulse(p, 1e3, 1e-12)
	e0 := input.EnergyTime(p.Dt())

	res, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}
	for s, f := range res.Fields {
		e := f.EnergyFreq(p.Dt())
		if m.Abs(e-e0) > 1e-4*e0 {
			t.Fatalf("save %d (z=%g): energy %v, launched %v", s, res.Z[s], e, e0)
		}
	}
}

// The two steppers integrate the same equation; over a dispersive Kerr run
// their outputs must agree far tighter than either one's truncation error
// alone would suggest.
func TestMPAKerrMatchesRK4IP(t *testing.T) {
	p := baseParams()
	p.N2 = 2.3e-20
	input := gaussianPulse(p, 1e3, 1e-12)
	e0 := input.EnergyTime(p.Dt())

	ref, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}

	p.Algorithm = "MPA"
	p.Parallelism = 8
	p.MPAMinIterations = 2
	p.MPAMaxIterations = 10
	res, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}

	for s, f := range res.Fields {
		e := f.EnergyFreq(p.Dt())
		if m.Abs(e-e0) > 1e-4*e0 {
			t.Fatalf("save %d (z=%g): energy %v, launched %v", s, res.Z[s], e, e0)
		}
	}

	a, b := ref.Fields[len(ref.Fields)-1], res.Fields[len(res.Fields)-1]
	scale := m.Sqrt(e0 / p.Dt() * float64(p.Samples)) // peak spectral magnitude order
	for i := range a[0] {
		d := a[0][i] - b[0][i]
		if m.Hypot(real(d), imag(d)) > 1e-5*scale {
			t.Fatalf("bin %d: RK4IP %v, MPA %v", i, a[0][i], b[0][i])
		}
	}
}

// Scenario: flat unsaturated gain over a dispersionless fiber multiplies the
// pulse energy by exp(g0*L).
func TestFixedGainAmplification(t *testing.T) {
	p := baseParams()
	p.Betas = [][]float64{{0, 0}}
	p.GainModel = "gaussian"
	p.GainCoeff = 20.
	p.GainBandwidth = 0
	p.SaturationEnergy = 0
	input := gaussianPulse(p, 1e3, 1e-12)
	e0 := input.EnergyTime(p.Dt())

	res, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}
	want := e0 * m.Exp(20.*p.FiberLength)
	chk.Float64(t, "output energy", 1e-6*want, res.OutputEnergy(p.Dt()), want)
}

// ybSections is a coarse Yb-like table: distinct pump-band values at 976 nm
// and a flat plateau spanning the whole signal grid around 1030 nm.
func ybSections() *gain.CrossSections {
	return &gain.CrossSections{
		Lambda:     []float64{976e-9, 1000e-9, 1090e-9},
		Absorption: []float64{2.5e-24, 6.0e-26, 6.0e-26},
		Emission:   []float64{2.44e-25, 6.5e-25, 6.5e-25},
	}
}

func rateParams(includeASE bool) gain.RateEqnParams {
	return gain.RateEqnParams{
		DopingDensity:  1e25,
		Lifetime:       840e-6,
		CoreArea:       m.Pi * 3e-6 * 3e-6,
		SignalOverlap:  0.8,
		PumpOverlap:    0.8,
		PumpWavelength: 976e-9,
		RepetitionRate: 1e6,
		Sections:       ybSections(),
		IncludeASE:     includeASE,
	}
}

func ratePropagateParams() config.ModelParameters {
	p := baseParams()
	p.FiberLength = 0.5
	p.SaveStep = 0.125
	p.MaxStep = 1e-3
	p.Betas = [][]float64{{0, 0}}
	p.GainModel = "rate-eqn"
	p.DopingDensity = 1e25
	p.CoreDiameter = 6e-6
	p.AbsorptionFile = "unused"
	p.EmissionFile = "unused"
	p.PumpPowerForward = 0.1
	p.GainMaxIterations = 8
	p.GainTolerance = 1e-3
	p.MemoryBudgetMB = 64
	return p
}

// Scenario: a co-pumped amplifier without ASE or backward pump needs a
// single forward pass, and its output must agree with a direct fine-grid
// integration of the same two-level rate equations.
func TestCoPumpedAmplifier(t *testing.T) {
	p := ratePropagateParams()
	rp := rateParams(false)
	input := gaussianPulse(p, 1., 1e-12)

	res, err := Run(context.Background(), Options{
		Params: p, Fiber: mustFiber(t, p), Input: input, RateParams: &rp,
	})
	if err != nil {
		t.Fatal(err)
	}
	for s, n2 := range res.N2 {
		if n2 < 0 || n2 > 1 {
			t.Fatalf("save %d: inversion %v outside [0,1]", s, n2)
		}
	}

	// direct march: same rate model, frozen spectrum shape (no dispersion,
	// no nonlinearity), much finer grid
	re, err := gain.NewRateEqn(rp, field.OmegaGrid(p.Samples, p.Dt()), p.Lambda0)
	if err != nil {
		t.Fatal(err)
	}
	shape := binShape(input.ToFreq(), p.Dt())
	energy := input.EnergyTime(p.Dt())
	pump := p.PumpPowerForward
	const nSteps = 5000
	dz := p.FiberLength / nSteps
	spec := make([]float64, p.Samples)
	for s := 0; s < nSteps; s++ {
		for i := range spec {
			spec[i] = energy * shape[i] * rp.RepetitionRate
		}
		n2 := re.Inversion(pump, spec)
		g := re.Coefficient(n2)
		energy *= m.Exp(2. * g[0] * dz) // flat over the occupied bins
		pump = gain.AdvancePower(pump, re.PumpCoefficient(n2), 0, dz)
	}

	chk.Float64(t, "output energy", 0.03*energy, res.OutputEnergy(p.Dt()), energy)
	chk.Float64(t, "residual pump", 0.03*pump, res.PumpFwd[len(res.PumpFwd)-1], pump)
}

// The MPA plane march carries the pump and inversion itself; on the same
// co-pumped amplifier it must land on the RK4IP result.
func TestMPACoPumpedAmplifier(t *testing.T) {
	p := ratePropagateParams()
	rp := rateParams(false)
	input := gaussianPulse(p, 1., 1e-12)

	ref, err := Run(context.Background(), Options{
		Params: p, Fiber: mustFiber(t, p), Input: input, RateParams: &rp,
	})
	if err != nil {
		t.Fatal(err)
	}

	p.Algorithm = "MPA"
	p.Parallelism = 8
	p.MPAMinIterations = 2
	p.MPAMaxIterations = 10
	res, err := Run(context.Background(), Options{
		Params: p, Fiber: mustFiber(t, p), Input: input, RateParams: &rp,
	})
	if err != nil {
		t.Fatal(err)
	}

	for s, n2 := range res.N2 {
		if n2 < 0 || n2 > 1 {
			t.Fatalf("save %d: inversion %v outside [0,1]", s, n2)
		}
	}
	chk.Float64(t, "output energy", 0.02*ref.OutputEnergy(p.Dt()),
		res.OutputEnergy(p.Dt()), ref.OutputEnergy(p.Dt()))
	last := len(res.PumpFwd) - 1
	chk.Float64(t, "residual pump", 0.02*ref.PumpFwd[last], res.PumpFwd[last], ref.PumpFwd[last])
}

func binShape(a field.Field, dt float64) []float64 {
	n := a.Samples()
	shape := make([]float64, n)
	var total float64
	for i := range shape {
		re, im := real(a[0][i]), imag(a[0][i])
		shape[i] = (re*re + im*im) * dt / float64(n)
		total += shape[i]
	}
	for i := range shape {
		shape[i] /= total
	}
	return shape
}

// Scenario: counter pumping with ASE drives the outer iteration; it must
// terminate within the configured budget and keep every invariant intact.
func TestCounterPumpedWithASE(t *testing.T) {
	p := ratePropagateParams()
	p.FiberLength = 0.2
	p.SaveStep = 0.05
	p.PumpPowerForward = 0
	p.PumpPowerBackward = 0.1
	p.IncludeASE = true
	p.GainTolerance = 1e-7 // tight enough to need several passes
	rp := rateParams(true)
	input := gaussianPulse(p, 1., 1e-12)

	res, err := Run(context.Background(), Options{
		Params: p, Fiber: mustFiber(t, p), Input: input, RateParams: &rp,
	})
	if err != nil {
		t.Fatal(err)
	}

	for s, n2 := range res.N2 {
		if n2 < 0 || n2 > 1 {
			t.Fatalf("save %d: inversion %v outside [0,1]", s, n2)
		}
	}
	last := len(res.PumpBwd) - 1
	if res.PumpBwd[last] <= res.PumpBwd[0] {
		t.Errorf("backward pump not absorbed toward the launch end: %v at z=0, %v at z=L",
			res.PumpBwd[0], res.PumpBwd[last])
	}
	for s, spec := range res.ASEBwd {
		for i, v := range spec {
			if v < 0 {
				t.Fatalf("save %d bin %d: negative backward ASE %v", s, i, v)
			}
		}
	}
	for _, w := range res.Warnings {
		if !strings.Contains(w, "did not converge") {
			t.Errorf("unexpected warning %q", w)
		}
	}

	// The outer iteration is a contraction: each pass moves the output
	// energy by less than the pass before it.
	pe := res.PassEnergies
	if len(pe) < 3 || len(pe) > p.GainMaxIterations {
		t.Fatalf("%d outer passes recorded, budget %d", len(pe), p.GainMaxIterations)
	}
	prev := relChange(pe[1], pe[0])
	for i := 2; i < len(pe); i++ {
		d := relChange(pe[i], pe[i-1])
		if d > prev && d > 1e-12 {
			t.Errorf("pass %d: energy change %v grew from %v", i+1, d, prev)
		}
		prev = d
	}
}

// Scenario: pumping from both ends exercises the per-step pump balance
// solve; with a modest inversion it contracts and must not leave a miss
// warning behind.
func TestBiPumpedBalance(t *testing.T) {
	p := ratePropagateParams()
	p.PumpPowerForward = 0.1
	p.PumpPowerBackward = 0.05
	rp := rateParams(false)
	input := gaussianPulse(p, 1., 1e-12)

	res, err := Run(context.Background(), Options{
		Params: p, Fiber: mustFiber(t, p), Input: input, RateParams: &rp,
	})
	if err != nil {
		t.Fatal(err)
	}

	for s, n2 := range res.N2 {
		if n2 < 0 || n2 > 1 {
			t.Fatalf("save %d: inversion %v outside [0,1]", s, n2)
		}
	}
	for _, w := range res.Warnings {
		if strings.Contains(w, "pump balance") {
			t.Errorf("balance iteration missed tolerance: %q", w)
		}
	}
	if e := res.OutputEnergy(p.Dt()); e <= input.EnergyTime(p.Dt()) {
		t.Errorf("bi-pumped amplifier did not amplify: output %v J", e)
	}
}

// The spectral damping window zeroes the bins at the Nyquist fold after every
// accepted step; a pulse far from the band edge keeps its energy.
func TestDampingWindowRun(t *testing.T) {
	p := baseParams()
	p.N2 = 2.3e-20
	p.DampingWindow = true
	input := gaussianPulse(p, 1e3, 1e-12)
	e0 := input.EnergyTime(p.Dt())

	res, err := Run(context.Background(), Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err != nil {
		t.Fatal(err)
	}

	for s, f := range res.Fields {
		e := f.EnergyFreq(p.Dt())
		if m.Abs(e-e0) > 1e-4*e0 {
			t.Fatalf("save %d (z=%g): energy %v, launched %v", s, res.Z[s], e, e0)
		}
	}
	final := res.Fields[len(res.Fields)-1]
	n := p.Samples
	if final[0][n/2-1] != 0 || final[0][n/2] != 0 {
		t.Errorf("Nyquist-fold bins not damped: %v, %v", final[0][n/2-1], final[0][n/2])
	}
}

func TestCancellation(t *testing.T) {
	p := baseParams()
	input := gaussianPulse(p, 1e3, 1e-12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Params: p, Fiber: mustFiber(t, p), Input: input})
	if err == nil || !strings.Contains(err.Error(), "stopped by request") {
		t.Errorf("canceled run returned %v", err)
	}
}

func TestDimensionChecks(t *testing.T) {
	p := baseParams()
	wrong := field.New(2, p.Samples) // two modes against one Betas row
	if _, err := New(Options{Params: p, Fiber: mustFiber(t, p), Input: wrong}); err == nil {
		t.Error("mode mismatch accepted")
	}

	short := field.New(1, p.Samples/2)
	if _, err := New(Options{Params: p, Fiber: mustFiber(t, p), Input: short}); err == nil {
		t.Error("sample mismatch accepted")
	}
}

func mustFiber(t *testing.T, p config.ModelParameters) *fiber.Fiber {
	t.Helper()
	f, err := p.Fiber()
	if err != nil {
		t.Fatal(err)
	}
	return f
}
