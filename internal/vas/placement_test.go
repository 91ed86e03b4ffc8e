package vas

import (
	"errors"
	"testing"

	"github.com/orizon-lang/vaskit/internal/paging"
)

func testSpace(flags Flags) (*VAS, *paging.FrameAllocator) {
	fa := paging.NewFrameAllocator(paging.DefaultConfig())
	v := Create("test", 0x1000, 0x10000, flags, paging.NewSoftDirectory(fa), fa)
	return v, fa
}

func mustAllocate(t *testing.T, v *VAS, size uintptr) *Allocation {
	t.Helper()
	a, err := v.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate(%#x) failed: %v", size, err)
	}
	return a
}

func checkConsistent(t *testing.T, v *VAS) {
	t.Helper()
	if err := v.CheckConsistency(); err != nil {
		t.Fatalf("consistency violated: %v", err)
	}
}

// TestAllocate exercises the first-fit placement strategies against the
// concrete layout scenario: leading gap, trailing space, and hole reuse.
func TestAllocate(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	first := mustAllocate(t, v, 0x2000)
	if first.Base() != 0x1000 || first.Size() != 0x2000 {
		t.Fatalf("first allocation at %#x size %#x, want 0x1000 size 0x2000", first.Base(), first.Size())
	}

	second := mustAllocate(t, v, 0x1000)
	if second.Base() != 0x3000 {
		t.Fatalf("second allocation at %#x, want 0x3000", second.Base())
	}

	if _, err := v.Reserve(0x3000, 0x1000, AllocNormal); !errors.Is(err, ErrOverlap) {
		t.Fatalf("reserve over live allocation returned %v, want ErrOverlap", err)
	}

	v.Free(v.Get(first.Base()))
	reused := mustAllocate(t, v, 0x1000)
	if reused.Base() != 0x1000 {
		t.Fatalf("hole not reused: allocation at %#x, want 0x1000", reused.Base())
	}
	checkConsistent(t, v)
}

func TestAllocateInternalGap(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	if _, err := v.Reserve(0x1000, 0x1000, AllocNormal); err != nil {
		t.Fatalf("reserve low: %v", err)
	}
	if _, err := v.Reserve(0x4000, 0x1000, AllocNormal); err != nil {
		t.Fatalf("reserve high: %v", err)
	}

	// The only 0x2000 hole sits between the two reservations.
	a := mustAllocate(t, v, 0x2000)
	if a.Base() != 0x2000 {
		t.Fatalf("gap allocation at %#x, want 0x2000", a.Base())
	}
	checkConsistent(t, v)
}

func TestAllocateOutOfMemory(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	t.Run("ZeroSize", func(t *testing.T) {
		if _, err := v.Allocate(0); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("Allocate(0) returned %v, want ErrOutOfMemory", err)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		if _, err := v.Allocate(0x20000); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("oversized allocate returned %v, want ErrOutOfMemory", err)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		if _, err := v.Allocate(0x10000); err != nil {
			t.Fatalf("full-space allocate failed: %v", err)
		}
		if _, err := v.Allocate(0x1000); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("allocate in full space returned %v, want ErrOutOfMemory", err)
		}
	})
}

func TestReserve(t *testing.T) {
	t.Run("OutOfRange", func(t *testing.T) {
		v, _ := testSpace(FlagUsermode)
		defer v.Destroy()

		if _, err := v.Reserve(0x100, 0x1000, AllocNormal); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("below-base reserve returned %v, want ErrOutOfRange", err)
		}
		if _, err := v.Reserve(0x10000, 0x2000, AllocNormal); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("past-end reserve returned %v, want ErrOutOfRange", err)
		}
	})

	t.Run("Alignment", func(t *testing.T) {
		v, _ := testSpace(FlagUsermode)
		defer v.Destroy()

		a, err := v.Reserve(0x2123, 0x800, AllocThreadStack)
		if err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		if a.Base() != 0x2000 {
			t.Errorf("base not rounded down: %#x", a.Base())
		}
		if a.Size() != 0x1000 {
			t.Errorf("size not rounded up: %#x", a.Size())
		}
		if a.Type() != AllocThreadStack {
			t.Errorf("type not preserved: %v", a.Type())
		}
	})

	t.Run("InsertBeforeHead", func(t *testing.T) {
		v, _ := testSpace(FlagUsermode)
		defer v.Destroy()

		if _, err := v.Reserve(0x8000, 0x1000, AllocNormal); err != nil {
			t.Fatalf("reserve high: %v", err)
		}
		if _, err := v.Reserve(0x2000, 0x1000, AllocNormal); err != nil {
			t.Fatalf("reserve low: %v", err)
		}
		if _, err := v.Reserve(0x4000, 0x2000, AllocNormal); err != nil {
			t.Fatalf("reserve middle: %v", err)
		}
		checkConsistent(t, v)

		if got := v.Get(0x2000).Allocation().Base(); got != 0x2000 {
			t.Fatalf("head allocation at %#x, want 0x2000", got)
		}
	})

	t.Run("OverlapVariants", func(t *testing.T) {
		v, _ := testSpace(FlagUsermode)
		defer v.Destroy()

		if _, err := v.Reserve(0x4000, 0x2000, AllocNormal); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		for _, c := range []struct {
			name          string
			address, size uintptr
		}{
			{"Inside", 0x4000, 0x1000},
			{"Straddle", 0x3000, 0x2000},
			{"Covers", 0x3000, 0x4000},
			{"TailOverlap", 0x5000, 0x2000},
		} {
			t.Run(c.name, func(t *testing.T) {
				if _, err := v.Reserve(c.address, c.size, AllocNormal); !errors.Is(err, ErrOverlap) {
					t.Fatalf("reserve(%#x, %#x) returned %v, want ErrOverlap", c.address, c.size, err)
				}
			})
		}
	})
}

func TestGet(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	a, err := v.Reserve(0x2000, 0x1000, AllocNormal)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if n := v.Get(0x2000); n == nil || n.Allocation() != a {
		t.Fatal("base address did not resolve to the allocation")
	}
	if n := v.Get(0x2fff); n == nil || n.Allocation() != a {
		t.Fatal("last byte did not resolve to the allocation")
	}
	// Half-open interval: one past the end is not a member.
	if n := v.Get(0x3000); n != nil {
		t.Fatal("one-past-end address resolved to the allocation")
	}
	if n := v.Get(0x1fff); n != nil {
		t.Fatal("address below base resolved to the allocation")
	}
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	mustAllocate(t, v, 0x1000)
	mustAllocate(t, v, 0x2000)
	before := v.Len()

	a := mustAllocate(t, v, 0x4000)
	base := a.Base()
	v.Free(v.Get(a.Base()))

	if v.Len() != before {
		t.Fatalf("node count %d after round trip, want %d", v.Len(), before)
	}
	checkConsistent(t, v)

	// The freed hole is available again at the same spot.
	again := mustAllocate(t, v, 0x4000)
	if again.Base() != base {
		t.Fatalf("freed space reallocated at %#x, want %#x", again.Base(), base)
	}
}

func TestFindNode(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	a := mustAllocate(t, v, 0x1000)
	b := mustAllocate(t, v, 0x1000)

	if n := v.FindNode(b); n == nil || n.Allocation() != b {
		t.Fatal("FindNode missed a live allocation")
	}
	v.Free(v.FindNode(a))
	if v.FindNode(a) != nil {
		t.Fatal("FindNode returned a freed allocation")
	}
}
