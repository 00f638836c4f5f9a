// Package stepper holds the single-step integrators (RK4IP and MPA) and the
// nonlinear-term evaluator they share.
package stepper

import (
	"math"
	"math/cmplx"
	"math/rand"
	"sync"

	"github.com/mjibson/go-dsp/fft"

	"github.com/denny2001/MMTools/internal/constants"
	"github.com/denny2001/MMTools/internal/fiber"
	"github.com/denny2001/MMTools/internal/field"
)

// Evaluator computes the frequency-domain nonlinear derivative dA/dz for one
// or more z-planes of time-domain fields. Implementations are pure apart
// from the optional spontaneous-Raman noise drawn from their seeded source.
type Evaluator interface {
	Evaluate(planes []field.Field) []field.Field
}

// NewEvaluator picks the sequential or the data-parallel implementation;
// callers never branch on which one they got.
func NewEvaluator(f *fiber.Fiber, r *fiber.Raman, prefactor []complex128, scalar bool, threads int, noise *NoiseSource) Evaluator {
	c := newEvalCore(f, r, prefactor, scalar, noise)
	if threads > 1 {
		return &parallelEvaluator{core: c, threads: threads}
	}
	return &sequentialEvaluator{core: c}
}

// NoiseSource draws the spontaneous-Raman seed: one complex standard-normal
// realization per time sample, scaled by the thermal phonon occupancy at the
// Raman shift.
type NoiseSource struct {
	rng *rand.Rand
	amp float64
}

const ramanShiftHz = 13.2e12

func NewNoiseSource(seed int64, lambda0, dt float64) *NoiseSource {
	phonon := constants.Planck * ramanShiftHz
	nth := 1. / (math.Expm1(phonon / (constants.KBolzmann * constants.RoomTemperature)))
	w0 := 2. * math.Pi * constants.FreqFromWavelength(lambda0)
	return &NoiseSource{
		rng: rand.New(rand.NewSource(seed)),
		amp: math.Sqrt(constants.HBar * w0 * (nth + 1.) / (2. * dt)),
	}
}

func (s *NoiseSource) draw(n int) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = complex(s.rng.NormFloat64(), s.rng.NormFloat64()) * complex(s.amp/math.Sqrt2, 0)
	}
	return out
}

type evalCore struct {
	sk, sra, srb *fiber.Tensor
	raman        *fiber.Raman
	pre          []complex128
	kerrScale    float64
	anisotropic  bool
	pairsA       [][2]int
	pairsB       [][2]int
	noise        *NoiseSource
}

func newEvalCore(f *fiber.Fiber, r *fiber.Raman, prefactor []complex128, scalar bool, noise *NoiseSource) *evalCore {
	c := &evalCore{
		sk:        f.SK,
		sra:       f.SRa,
		srb:       f.SRb,
		raman:     r,
		pre:       prefactor,
		kerrScale: 1. - r.Fraction,
		noise:     noise,
	}
	// anisotropic response needs polarized fields
	c.anisotropic = r.Model == fiber.RamanAnisotropic && !scalar
	if r.Active() {
		c.pairsA = collectPairs(c.sra)
		if c.anisotropic {
			c.pairsB = collectPairs(c.srb)
		}
	}
	return c
}

// collectPairs lists the distinct (m3, m4) source pairs a tensor touches, so
// each Raman convolution is computed once per plane.
func collectPairs(t *fiber.Tensor) [][2]int {
	seen := map[[2]int]struct{}{}
	var out [][2]int
	for m1 := 0; m1 < t.Modes(); m1++ {
		t.ForEach(m1, func(_, m3, m4 int, _ float64) {
			key := [2]int{m3, m4}
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				out = append(out, key)
			}
		})
	}
	return out
}

// pairConv is the delayed-response convolution for one source-mode pair:
// IFFT(kernel * FFT(A_m3 * conj(A_m4) + noise)).
func (c *evalCore) pairConv(at field.Field, pair [2]int, kernel, noise []complex128) []complex128 {
	n := at.Samples()
	q := make([]complex128, n)
	for t := range q {
		q[t] = at[pair[0]][t] * cmplx.Conj(at[pair[1]][t])
	}
	if noise != nil {
		for t := range q {
			q[t] += noise[t]
		}
	}
	spec := fft.FFT(q)
	for i := range spec {
		spec[i] *= kernel[i]
	}
	return fft.IFFT(spec)
}

// destMode accumulates the Kerr and Raman polarization for destination mode
// m1 in the time domain, then returns it in the frequency domain scaled by
// the i*n2*w/c prefactor.
func (c *evalCore) destMode(at field.Field, m1 int, convA, convB map[[2]int][]complex128) []complex128 {
	n := at.Samples()
	acc := make([]complex128, n)

	kerr := complex(c.kerrScale, 0)
	c.sk.ForEach(m1, func(m2, m3, m4 int, w float64) {
		cw := complex(w, 0) * kerr
		a2, a3, a4 := at[m2], at[m3], at[m4]
		for t := range acc {
			acc[t] += cw * a2[t] * a3[t] * cmplx.Conj(a4[t])
		}
	})

	if c.raman.Active() {
		c.sra.ForEach(m1, func(m2, m3, m4 int, w float64) {
			cw := complex(w, 0)
			a2, v := at[m2], convA[[2]int{m3, m4}]
			for t := range acc {
				acc[t] += cw * a2[t] * v[t]
			}
		})
		if c.anisotropic {
			c.srb.ForEach(m1, func(m2, m3, m4 int, w float64) {
				cw := complex(w, 0)
				a2, v := at[m2], convB[[2]int{m3, m4}]
				for t := range acc {
					acc[t] += cw * a2[t] * v[t]
				}
			})
		}
	}

	spec := fft.FFT(acc)
	for i := range spec {
		spec[i] *= c.pre[i]
	}
	return spec
}

// planeConvs computes every needed pair convolution for one plane.
func (c *evalCore) planeConvs(at field.Field, noise []complex128) (convA, convB map[[2]int][]complex128) {
	if !c.raman.Active() {
		return nil, nil
	}
	convA = make(map[[2]int][]complex128, len(c.pairsA))
	for _, p := range c.pairsA {
		convA[p] = c.pairConv(at, p, c.raman.Haw, noise)
	}
	if c.anisotropic {
		convB = make(map[[2]int][]complex128, len(c.pairsB))
		for _, p := range c.pairsB {
			convB[p] = c.pairConv(at, p, c.raman.Hbw, noise)
		}
	}
	return
}

func (c *evalCore) drawNoise(n int) []complex128 {
	if c.noise == nil || !c.raman.Active() {
		return nil
	}
	return c.noise.draw(n)
}

type sequentialEvaluator struct {
	core *evalCore
}

func (e *sequentialEvaluator) Evaluate(planes []field.Field) []field.Field {
	out := make([]field.Field, len(planes))
	noise := e.core.drawNoise(planes[0].Samples())
	for p, at := range planes {
		convA, convB := e.core.planeConvs(at, noise)
		out[p] = make(field.Field, at.Modes())
		for m1 := 0; m1 < at.Modes(); m1++ {
			out[p][m1] = e.core.destMode(at, m1, convA, convB)
		}
	}
	return out
}

// parallelEvaluator fans the independent (plane, mode) computations out to a
// bounded worker pool; planes and destination modes share nothing mutable.
type parallelEvaluator struct {
	core    *evalCore
	threads int
}

func (e *parallelEvaluator) Evaluate(planes []field.Field) []field.Field {
	modes := planes[0].Modes()
	noise := e.core.drawNoise(planes[0].Samples())

	convAs := make([]map[[2]int][]complex128, len(planes))
	convBs := make([]map[[2]int][]complex128, len(planes))
	e.parallelFor(len(planes), func(p int) {
		convAs[p], convBs[p] = e.core.planeConvs(planes[p], noise)
	})

	out := make([]field.Field, len(planes))
	for p := range out {
		out[p] = make(field.Field, modes)
	}
	e.parallelFor(len(planes)*modes, func(i int) {
		p, m1 := i/modes, i%modes
		out[p][m1] = e.core.destMode(planes[p], m1, convAs[p], convBs[p])
	})
	return out
}

func (e *parallelEvaluator) parallelFor(n int, task func(i int)) {
	var wg sync.WaitGroup
	work := make(chan int, n)
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	for w := 0; w < min(e.threads, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				task(i)
			}
		}()
	}
	wg.Wait()
}
