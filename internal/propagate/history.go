package propagate

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Record is the per-z-slot state the bidirectional gain iteration needs
// random access to: the quantities each direction leaves behind for the
// other direction's sweep.
type Record struct {
	PumpFwd   float64
	PumpBwd   float64
	N2        float64
	SpecPower []float64 // signal + forward ASE average power per bin [W]
	ASEBwd    []float64 // backward ASE power per bin [W]
}

// Store stages evicted segments; the in-memory implementation serves small
// runs and tests, the file-backed one bounds resident memory.
type Store interface {
	Put(segment int, data []float64) error
	Get(segment int, data []float64) error
	Close()
}

type memStore struct {
	segments map[int][]float64
}

func NewMemStore() Store { return &memStore{segments: map[int][]float64{}} }

func (s *memStore) Put(segment int, data []float64) error {
	buf := make([]float64, len(data))
	copy(buf, data)
	s.segments[segment] = buf
	return nil
}

func (s *memStore) Get(segment int, data []float64) error {
	buf, ok := s.segments[segment]
	if !ok {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	copy(data, buf)
	return nil
}

func (s *memStore) Close() {}

type fileStore struct {
	dir   string
	files map[int]string
}

// NewFileStore stages segments as binary spill files under a private temp
// directory, removed on Close.
func NewFileStore() (Store, error) {
	dir, err := os.MkdirTemp("", "mmtools-zhist-")
	if err != nil {
		return nil, fmt.Errorf("segment store: %w", err)
	}
	return &fileStore{dir: dir, files: map[int]string{}}, nil
}

func (s *fileStore) Put(segment int, data []float64) error {
	name := filepath.Join(s.dir, fmt.Sprintf("segment_%d.bin", segment))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("segment store: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("segment store: %w", err)
	}
	s.files[segment] = name
	return nil
}

func (s *fileStore) Get(segment int, data []float64) error {
	name, ok := s.files[segment]
	if !ok {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("segment store: %w", err)
	}
	defer f.Close()
	return binary.Read(f, binary.LittleEndian, data)
}

func (s *fileStore) Close() { os.RemoveAll(s.dir) }

// History is the z-axis record table partitioned into fixed-capacity
// segments; exactly one segment's slots are resident at a time, the rest
// live in the Store. Eviction completes before a new segment is read, so
// the strict step ordering of the z-loop is preserved.
type History struct {
	slots   int
	bins    int
	segSize int
	length  float64 // fiber length mapped onto the slot axis

	arena   []float64 // resident segment, flattened records
	current int
	dirty   bool
	store   Store
}

const recordScalars = 3 // PumpFwd, PumpBwd, N2

// NewHistory sizes the table so a resident segment stays within budget
// bytes; slots is the z-resolution of the table.
func NewHistory(slots, bins int, length float64, budget int64, store Store) *History {
	recordLen := recordScalars + 2*bins
	segSize := slots
	if budget > 0 {
		fit := int(budget) / (recordLen * 8)
		if fit < 1 {
			fit = 1
		}
		if fit < segSize {
			segSize = fit
		}
	}
	h := &History{
		slots:   slots,
		bins:    bins,
		segSize: segSize,
		length:  length,
		arena:   make([]float64, segSize*recordLen),
		current: 0,
		store:   store,
	}
	return h
}

func (h *History) Slots() int { return h.slots }

// Slot maps a z position onto the slot axis.
func (h *History) Slot(z float64) int {
	if h.length <= 0 {
		return 0
	}
	s := int(z / h.length * float64(h.slots-1))
	if s < 0 {
		return 0
	}
	if s >= h.slots {
		return h.slots - 1
	}
	return s
}

func (h *History) SlotWidth() float64 { return h.length / float64(h.slots-1) }

func (h *History) recordLen() int { return recordScalars + 2*h.bins }

// swapTo evicts the resident segment and loads the one holding slot.
func (h *History) swapTo(segment int) error {
	if segment == h.current {
		return nil
	}
	if h.dirty {
		if err := h.store.Put(h.current, h.arena); err != nil {
			return err
		}
		h.dirty = false
	}
	if err := h.store.Get(segment, h.arena); err != nil {
		return err
	}
	h.current = segment
	return nil
}

func (h *History) view(slot int) ([]float64, error) {
	if err := h.swapTo(slot / h.segSize); err != nil {
		return nil, err
	}
	off := (slot % h.segSize) * h.recordLen()
	return h.arena[off : off+h.recordLen()], nil
}

// Read copies the record at slot into rec, allocating its spectra.
func (h *History) Read(slot int, rec *Record) error {
	v, err := h.view(slot)
	if err != nil {
		return err
	}
	rec.PumpFwd, rec.PumpBwd, rec.N2 = v[0], v[1], v[2]
	if rec.SpecPower == nil {
		rec.SpecPower = make([]float64, h.bins)
	}
	if rec.ASEBwd == nil {
		rec.ASEBwd = make([]float64, h.bins)
	}
	copy(rec.SpecPower, v[recordScalars:recordScalars+h.bins])
	copy(rec.ASEBwd, v[recordScalars+h.bins:])
	return nil
}

// Write stores rec at slot; nil spectra leave the stored values untouched.
func (h *History) Write(slot int, rec *Record) error {
	v, err := h.view(slot)
	if err != nil {
		return err
	}
	v[0], v[1], v[2] = rec.PumpFwd, rec.PumpBwd, rec.N2
	if rec.SpecPower != nil {
		copy(v[recordScalars:recordScalars+h.bins], rec.SpecPower)
	}
	if rec.ASEBwd != nil {
		copy(v[recordScalars+h.bins:], rec.ASEBwd)
	}
	h.dirty = true
	return nil
}

// PumpBwdAt serves the stepper's backward-pump lookups during the forward
// pass; errors surface on the next Read/Write, a zero is returned here.
func (h *History) PumpBwdAt(z float64) float64 {
	v, err := h.view(h.Slot(z))
	if err != nil {
		return 0
	}
	return v[1]
}

// ASEBwdAt returns the stored backward ASE spectrum near z.
func (h *History) ASEBwdAt(z float64) []float64 {
	v, err := h.view(h.Slot(z))
	if err != nil {
		return nil
	}
	out := make([]float64, h.bins)
	copy(out, v[recordScalars+h.bins:])
	return out
}

func (h *History) Close() {
	if h.store != nil {
		h.store.Close()
	}
}
