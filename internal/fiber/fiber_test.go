package fiber

import (
	m "math"
	"testing"

	"github.com/denny2001/MMTools/internal/field"
)

func TestTensorBuild(t *testing.T) {
	entries := []TensorEntry{
		{0, 0, 0, 0, 1.5},
		{0, 1, 1, 0, 0.25},
		{1, 0, 0, 1, 0.25},
		{1, 1, 1, 1, 0}, // explicit zeros are dropped
	}
	tensor, err := NewTensor(2, entries)
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Modes() != 2 {
		t.Errorf("modes = %d", tensor.Modes())
	}
	if tensor.NonZeros() != 3 {
		t.Errorf("nonzeros = %d, want 3", tensor.NonZeros())
	}

	var sum float64
	tensor.ForEach(0, func(m2, m3, m4 int, w float64) { sum += w })
	if sum != 1.75 {
		t.Errorf("destination 0 weight sum = %v, want 1.75", sum)
	}

	if _, err := NewTensor(2, []TensorEntry{{0, 0, 2, 0, 1.}}); err == nil {
		t.Error("out-of-range index accepted")
	}
}

func TestSelfPhaseTensor(t *testing.T) {
	tensor := SelfPhaseTensor(1. / 30e-12)
	if tensor.Modes() != 1 || tensor.NonZeros() != 1 {
		t.Fatalf("unexpected shape: %d modes, %d nonzeros", tensor.Modes(), tensor.NonZeros())
	}
	tensor.ForEach(0, func(m2, m3, m4 int, w float64) {
		if m2 != 0 || m3 != 0 || m4 != 0 {
			t.Errorf("indices (%d,%d,%d)", m2, m3, m4)
		}
		if m.Abs(w-1./30e-12) > 1e-3 {
			t.Errorf("weight %v", w)
		}
	})
}

// The DC component of the sampled kernel is the integral of the delayed
// response, which the Blow-Wood normalization pins to the fR fraction.
func TestRamanKernelNormalization(t *testing.T) {
	const n = 1 << 14
	dt := 1e-15
	r := NewRaman(RamanIsotropic, n, dt)
	if !r.Active() || r.Fraction != 0.18 {
		t.Fatalf("isotropic model inactive or wrong fraction %v", r.Fraction)
	}
	dc := real(r.Haw[0])
	if m.Abs(dc-0.18) > 0.01 {
		t.Errorf("kernel DC value %v, want ~= 0.18", dc)
	}

	off := NewRaman(RamanOff, n, dt)
	if off.Active() || off.Fraction != 0 {
		t.Error("off model reports a delayed response")
	}

	aniso := NewRaman(RamanAnisotropic, n, dt)
	if aniso.Hbw == nil {
		t.Fatal("anisotropic kernel missing")
	}
	split := real(aniso.Haw[0]) + real(aniso.Hbw[0])
	if m.Abs(split-0.18) > 0.02 {
		t.Errorf("split kernels DC sum %v, want ~= 0.18", split)
	}
}

func TestDispersionCoMovingFrame(t *testing.T) {
	f := &Fiber{Betas: [][]float64{
		{5.0, 1e-9},       // the reference mode: beta0 and beta1 subtract out
		{5.0, 1e-9, 2e-26},
	}}
	omega := field.OmegaGrid(64, 1e-14)
	d := f.DispersionOperator(omega)

	for i := range omega {
		if d[0][i] != 0 {
			t.Fatalf("reference mode has residual phase %v at bin %d", d[0][i], i)
		}
	}
	// second mode keeps only the quadratic term
	for i, w := range omega {
		want := complex(0, 2e-26/2.*w*w)
		diff := d[1][i] - want
		if m.Hypot(real(diff), imag(diff)) > 1e-9*(1.+m.Abs(imag(want))) {
			t.Fatalf("bin %d: %v, want %v", i, d[1][i], want)
		}
	}
}

func TestMaxBeatStep(t *testing.T) {
	single := &Fiber{Betas: [][]float64{{1., 0}}}
	if !m.IsInf(single.MaxBeatStep(), 1) {
		t.Error("single mode must not limit the step")
	}

	two := &Fiber{Betas: [][]float64{{10., 0}, {10.5, 0}}}
	want := m.Pi / (4. * 0.5)
	if got := two.MaxBeatStep(); m.Abs(got-want) > 1e-12 {
		t.Errorf("beat limit %v, want %v", got, want)
	}
}

func TestNonlinearPrefactor(t *testing.T) {
	f := &Fiber{N2: 2.3e-20, Lambda0: 1030e-9}
	omega := []float64{0}
	pre := f.NonlinearPrefactor(omega)
	w0 := 2. * m.Pi * 299792458. / 1030e-9
	want := 2.3e-20 * w0 / 299792458.
	if m.Abs(imag(pre[0])-want) > 1e-9*want || real(pre[0]) != 0 {
		t.Errorf("prefactor %v, want i*%v", pre[0], want)
	}
}
