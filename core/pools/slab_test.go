package pools

import "testing"

func TestSlab_InsertGetRemove(t *testing.T) {
	s := NewSlab[string](4)

	a := s.Insert("a")
	b := s.Insert("b")
	if a == b {
		t.Fatal("Distinct inserts returned equal handles")
	}
	if a == 0 || b == 0 {
		t.Fatal("Zero handle issued")
	}

	if v, ok := s.Get(a); !ok || v != "a" {
		t.Errorf("Get(a) = %q, %v", v, ok)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 live entries, got %d", s.Len())
	}

	if !s.Remove(a) {
		t.Fatal("Remove(a) failed")
	}
	if s.Remove(a) {
		t.Error("Second Remove(a) should report false")
	}
	if _, ok := s.Get(a); ok {
		t.Error("Get on removed handle succeeded")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 live entry, got %d", s.Len())
	}
}

func TestSlab_StaleHandleAfterSlotReuse(t *testing.T) {
	s := NewSlab[int](1)

	old := s.Insert(1)
	s.Remove(old)
	fresh := s.Insert(2)

	if old.Index() != fresh.Index() {
		t.Fatalf("Expected slot reuse, got indexes %d and %d", old.Index(), fresh.Index())
	}
	if old.Generation() == fresh.Generation() {
		t.Fatal("Reused slot kept its generation")
	}
	if _, ok := s.Get(old); ok {
		t.Error("Stale handle resolved to the new occupant")
	}
	if s.Remove(old) {
		t.Error("Stale handle removed the new occupant")
	}
	if v, ok := s.Get(fresh); !ok || v != 2 {
		t.Errorf("Get(fresh) = %d, %v", v, ok)
	}
}

func TestSlab_OutOfRangeHandle(t *testing.T) {
	s := NewSlab[int](0)
	if _, ok := s.Get(makeHandle(1, 99)); ok {
		t.Error("Out of range handle resolved")
	}
	if s.Remove(makeHandle(1, 99)) {
		t.Error("Out of range handle removed")
	}
}

func TestSlab_RangeAllowsRemoval(t *testing.T) {
	s := NewSlab[int](8)
	for i := 0; i < 8; i++ {
		s.Insert(i)
	}

	s.Range(func(h Handle, v int) bool {
		if v%2 == 0 {
			s.Remove(h)
		}
		return true
	})

	if s.Len() != 4 {
		t.Fatalf("Expected 4 live entries, got %d", s.Len())
	}
	seen := 0
	s.Range(func(h Handle, v int) bool {
		if v%2 == 0 {
			t.Errorf("Even value %d survived", v)
		}
		seen++
		return true
	})
	if seen != 4 {
		t.Errorf("Range visited %d entries, want 4", seen)
	}
}
