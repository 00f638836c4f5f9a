// Package fiber precomputes the fixed per-segment propagation data: the
// linear dispersion operator, the sparse quartic mode-coupling tensors and
// the Raman response kernels.
package fiber

import "fmt"

// TensorEntry is one nonzero of a 4-index mode-coupling tensor, as supplied
// by the mode-overlap calculation.
type TensorEntry struct {
	M1, M2, M3, M4 int
	Value          float64
}

type coupling struct {
	m2, m3, m4 int
	w          float64
}

// Tensor is an index-compressed sparse 4-index tensor: for every destination
// mode, the list of source-mode triples with their overlap weights. Built
// once at configuration time and read-only afterwards.
type Tensor struct {
	rows [][]coupling
}

func NewTensor(modes int, entries []TensorEntry) (*Tensor, error) {
	t := &Tensor{rows: make([][]coupling, modes)}
	for _, e := range entries {
		for _, m := range []int{e.M1, e.M2, e.M3, e.M4} {
			if m < 0 || m >= modes {
				return nil, fmt.Errorf("tensor index (%d,%d,%d,%d) out of range for %d modes",
					e.M1, e.M2, e.M3, e.M4, modes)
			}
		}
		if e.Value == 0 {
			continue
		}
		t.rows[e.M1] = append(t.rows[e.M1], coupling{e.M2, e.M3, e.M4, e.Value})
	}
	return t, nil
}

func (t *Tensor) Modes() int { return len(t.rows) }

func (t *Tensor) NonZeros() (n int) {
	for _, r := range t.rows {
		n += len(r)
	}
	return
}

// ForEach visits every nonzero with destination mode m1.
func (t *Tensor) ForEach(m1 int, visit func(m2, m3, m4 int, w float64)) {
	for _, c := range t.rows[m1] {
		visit(c.m2, c.m3, c.m4, c.w)
	}
}

// SelfPhaseTensor is the single-mode tensor with the given 1/Aeff overlap,
// the degenerate case used when only one spatial mode propagates.
func SelfPhaseTensor(invAeff float64) *Tensor {
	t, _ := NewTensor(1, []TensorEntry{{0, 0, 0, 0, invAeff}})
	return t
}
