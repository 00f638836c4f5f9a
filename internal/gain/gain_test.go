package gain

import (
	m "math"
	"testing"

	"github.com/denny2001/MMTools/internal/field"
)

func flatSections(sa, se float64) *CrossSections {
	return &CrossSections{
		Lambda:     []float64{900e-9, 1200e-9},
		Absorption: []float64{sa, sa},
		Emission:   []float64{se, se},
	}
}

func testRateEqn(t *testing.T, includeASE bool) *RateEqn {
	t.Helper()
	p := RateEqnParams{
		DopingDensity:  6e25,
		Lifetime:       840e-6,
		CoreArea:       m.Pi * 3e-6 * 3e-6,
		SignalOverlap:  0.8,
		PumpOverlap:    0.01,
		PumpWavelength: 976e-9,
		RepetitionRate: 1e7,
		Sections:       flatSections(2.5e-24, 2.7e-24),
		IncludeASE:     includeASE,
	}
	omega := field.OmegaGrid(32, 1e-13)
	r, err := NewRateEqn(p, omega, 1030e-9)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestGaussianCoefficient(t *testing.T) {
	omega := field.OmegaGrid(16, 1e-13)

	flat := NewGaussian(2., 0, 0, omega)
	for i, g := range flat.Coefficient(1e-9) {
		if g != 1. {
			t.Fatalf("flat unsaturated bin %d: %v, want g0/2 = 1", i, g)
		}
	}

	sat := NewGaussian(2., 0, 1e-9, omega)
	// at E = Esat the coefficient halves
	if g := sat.Coefficient(1e-9)[0]; m.Abs(g-0.5) > 1e-12 {
		t.Errorf("saturated coefficient %v, want 0.5", g)
	}

	shaped := NewGaussian(2., 1e12, 0, omega)
	g := shaped.Coefficient(0)
	if g[0] != 1. {
		t.Errorf("line center %v, want 1", g[0])
	}
	for i := 1; i < len(g); i++ {
		if g[i] >= 1. || g[i] <= 0 {
			t.Fatalf("off-center bin %d: %v", i, g[i])
		}
	}
}

func TestInversionBounds(t *testing.T) {
	r := testRateEqn(t, false)
	spec := make([]float64, 32)

	if n2 := r.Inversion(0, spec); n2 != 0 {
		t.Errorf("dark inversion %v, want 0", n2)
	}

	prev := 0.
	for _, pump := range []float64{1e-3, 1., 1e3, 1e9} {
		n2 := r.Inversion(pump, spec)
		if n2 < 0 || n2 > 1 {
			t.Fatalf("inversion %v outside [0,1] at pump %v", n2, pump)
		}
		if n2 < prev {
			t.Fatalf("inversion not monotonic in pump: %v after %v", n2, prev)
		}
		prev = n2
	}

	// strong signal saturates the inversion back down
	unsat := r.Inversion(10., spec)
	spec[16] = 50.
	if sat := r.Inversion(10., spec); sat >= unsat {
		t.Errorf("signal load did not reduce inversion: %v >= %v", sat, unsat)
	}
}

func TestCoefficientSigns(t *testing.T) {
	r := testRateEqn(t, false)

	for _, g := range r.Coefficient(0) {
		if g >= 0 {
			t.Fatal("unpumped fiber must absorb the signal")
		}
	}
	for _, g := range r.Coefficient(1) {
		if g <= 0 {
			t.Fatal("full inversion must amplify")
		}
	}
	if r.PumpCoefficient(0) >= 0 {
		t.Error("ground-state fiber must absorb the pump")
	}
}

func TestAdvancePower(t *testing.T) {
	// pure source term
	if p := AdvancePower(0, 0, 2., 0.5); m.Abs(p-1.) > 1e-12 {
		t.Errorf("source-only: %v, want 1", p)
	}
	// pure exponential
	if p := AdvancePower(3., 1.5, 0, 2.); m.Abs(p-3.*m.Exp(3.)) > 1e-9 {
		t.Errorf("exponential: %v, want %v", p, 3.*m.Exp(3.))
	}
	// strong absorption never drives power negative
	if p := AdvancePower(1e-30, -1e6, 0, 1.); p < 0 {
		t.Errorf("negative power %v", p)
	}
}

func TestASESource(t *testing.T) {
	off := testRateEqn(t, false)
	for _, s := range off.ASESource(0.5) {
		if s != 0 {
			t.Fatal("ASE source active while disabled")
		}
	}

	on := testRateEqn(t, true)
	src := on.ASESource(0.5)
	for i, s := range src {
		if s <= 0 {
			t.Fatalf("bin %d: non-positive ASE source %v", i, s)
		}
	}
	// linear in the inversion
	double := on.ASESource(1.0)
	for i := range src {
		if m.Abs(double[i]-2.*src[i]) > 1e-12*double[i] {
			t.Fatalf("bin %d: source not linear in n2", i)
		}
	}
}

func TestSpectralPower(t *testing.T) {
	r := testRateEqn(t, true)
	energies := make([]float64, 32)
	energies[3] = 2e-9
	ase := make([]float64, 32)
	ase[3] = 0.25

	spec := r.SpectralPower(energies, ase, nil)
	want := 2e-9*1e7 + 0.25
	if m.Abs(spec[3]-want) > 1e-12*want {
		t.Errorf("bin 3: %v, want %v", spec[3], want)
	}
	if spec[0] != 0 {
		t.Errorf("empty bin carries power %v", spec[0])
	}
}
