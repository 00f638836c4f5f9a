package utils

import "math"

// Interp1 linearly interpolates the tabulated pairs (xs, ys) at x,
// clamping outside the table domain. xs must be ascending.
func Interp1(xs, ys []float64, x float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	lo, hi := 0, len(xs)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	t := (x - xs[lo]) / (xs[hi] - xs[lo])
	return math.FMA(t, ys[hi]-ys[lo], ys[lo])
}

// FixedPoint iterates x = f(x) until |x - xPrev| <= eps*(1+|x|) or maxIter.
// Reports whether the iteration converged.
func FixedPoint(f func(float64) float64, x0, eps float64, maxIter int) (float64, bool) {
	x := x0
	for i := 0; i < maxIter; i++ {
		next := f(x)
		if math.Abs(next-x) <= eps*(1.+math.Abs(next)) {
			return next, true
		}
		x = next
	}
	return x, false
}
