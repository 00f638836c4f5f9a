package utils

import (
	"cmp"
	"math"
	"math/cmplx"

	"golang.org/x/exp/constraints"
)

func Argmax[T cmp.Ordered](arr []T) (argmax int) {
	for i := range arr {
		if cmp.Compare(arr[i], arr[argmax]) == 1 {
			argmax = i
		}
	}
	return
}

type Number interface {
	constraints.Float | constraints.Integer
}

func SumSlice[T Number](arr []T) (r T) {
	for i := range arr {
		r += arr[i]
	}
	return
}

func Average[T Number](s []T) (mean float64) {
	for i := range s {
		mean += float64(s[i])
	}
	mean /= float64(len(s))
	return
}

// SumAbs2 accumulates |s[i]|^2 over a complex slice.
func SumAbs2(s []complex128) (r float64) {
	for i := range s {
		re, im := real(s[i]), imag(s[i])
		r += re*re + im*im
	}
	return
}

// HasNaNC reports whether any element of s is NaN in either component.
func HasNaNC(s []complex128) bool {
	for i := range s {
		if cmplx.IsNaN(s[i]) {
			return true
		}
	}
	return false
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Factorial for the small orders used by Taylor dispersion expansions.
func Factorial(n int) float64 {
	r := 1.
	for i := 2; i <= n; i++ {
		r *= float64(i)
	}
	return r
}
