package pools

// Handle identifies a slab slot: generation in the high 32 bits, index in the low 32 bits.
// The zero Handle is never issued.
type Handle uint64

// Index returns the slot index encoded in h
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the slot generation encoded in h
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

func makeHandle(gen, idx uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx))
}

// maxGeneration is reserved so that handles never collide with the
// sentinel tokens the pollers use (math.MaxUint64 and neighbours).
const maxGeneration = 1<<32 - 2

type slabEntry[T any] struct {
	value T
	gen   uint32
	live  bool
}

// Slab stores values in index-addressed slots and hands out
// generation-checked handles. A handle goes stale as soon as its slot is
// removed, so late lookups through it fail instead of reaching whatever
// reuses the slot. Slab is not safe for concurrent use.
type Slab[T any] struct {
	entries []slabEntry[T]
	free    []uint32
	live    int
}

// NewSlab creates a slab with room for capacity entries before growing
func NewSlab[T any](capacity int) *Slab[T] {
	return &Slab[T]{
		entries: make([]slabEntry[T], 0, capacity),
	}
}

// Insert stores v and returns its handle
func (s *Slab[T]) Insert(v T) Handle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.entries))
		s.entries = append(s.entries, slabEntry[T]{})
	}

	e := &s.entries[idx]
	e.gen++
	if e.gen == 0 || e.gen > maxGeneration {
		e.gen = 1
	}
	e.value = v
	e.live = true
	s.live++

	return makeHandle(e.gen, idx)
}

// Get returns the value for h if h is still current
func (s *Slab[T]) Get(h Handle) (T, bool) {
	var zero T
	idx := h.Index()
	if int(idx) >= len(s.entries) {
		return zero, false
	}
	e := &s.entries[idx]
	if !e.live || e.gen != h.Generation() {
		return zero, false
	}
	return e.value, true
}

// Remove frees the slot for h. It reports false for stale handles.
func (s *Slab[T]) Remove(h Handle) bool {
	idx := h.Index()
	if int(idx) >= len(s.entries) {
		return false
	}
	e := &s.entries[idx]
	if !e.live || e.gen != h.Generation() {
		return false
	}

	var zero T
	e.value = zero
	e.live = false
	s.free = append(s.free, idx)
	s.live--
	return true
}

// Len returns the number of live entries
func (s *Slab[T]) Len() int {
	return s.live
}

// Range calls fn for every live entry until fn returns false.
// fn may remove the entry it is given.
func (s *Slab[T]) Range(fn func(h Handle, v T) bool) {
	for i := range s.entries {
		e := &s.entries[i]
		if !e.live {
			continue
		}
		if !fn(makeHandle(e.gen, uint32(i)), e.value) {
			return
		}
	}
}
