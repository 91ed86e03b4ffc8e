package vas

import (
	"sync"
	"testing"

	"github.com/orizon-lang/vaskit/internal/paging"
)

func TestCreate(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	if v.Name() != "test" || v.Base() != 0x1000 || v.Size() != 0x10000 {
		t.Fatalf("space misconfigured: %q %#x+%#x", v.Name(), v.Base(), v.Size())
	}
	if v.Len() != 0 {
		t.Fatalf("fresh space has %d allocations", v.Len())
	}
	checkConsistent(t, v)
}

func TestDestroyReleasesEverything(t *testing.T) {
	fa := paging.NewFrameAllocator(paging.DefaultConfig())
	total, free, _ := fa.Stats()
	if total != free {
		t.Fatal("allocator not fully free at start")
	}

	v := Create("doomed", 0x1000, 0x10000, FlagUsermode, paging.NewSoftDirectory(fa), fa)
	for i := 0; i < 4; i++ {
		a := mustAllocate(t, v, 0x2000)
		if ok, err := v.Fault(a.Base(), a.Size()); !ok || err != nil {
			t.Fatalf("commit %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, f, _ := fa.Stats(); f == free {
		t.Fatal("no frames were committed")
	}

	v.Destroy()
	if _, f, _ := fa.Stats(); f != free {
		t.Fatalf("%d frames leaked by destroy", free-f)
	}
}

func TestDumpSurvivesPopulatedSpace(t *testing.T) {
	v, _ := testSpace(FlagUsermode)
	defer v.Destroy()

	mustAllocate(t, v, 0x1000)
	if _, err := v.Reserve(0x8000, 0x2000, AllocThreadStack); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	v.Dump()
}

func TestAllocationTypeNames(t *testing.T) {
	if AllocMMapShared.String() != "mmap-shared" {
		t.Errorf("AllocMMapShared renders as %q", AllocMMapShared)
	}
	if AllocationType(99).String() != "unknown" {
		t.Errorf("unknown type renders as %q", AllocationType(99))
	}
}

// TestConcurrentPlacement hammers the placement engine from several
// goroutines and checks that the region list invariants hold throughout.
func TestConcurrentPlacement(t *testing.T) {
	fa := paging.NewFrameAllocator(paging.DefaultConfig())
	v := Create("churn", 0x1000, 0x100000, FlagUsermode, paging.NewSoftDirectory(fa), fa)
	defer v.Destroy()

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				a, err := v.Allocate(0x1000)
				if err != nil {
					continue
				}
				if n := v.Get(a.Base()); n == nil {
					t.Error("own allocation not found")
					return
				}
				v.Free(v.FindNode(a))
			}
		}()
	}
	wg.Wait()

	if v.Len() != 0 {
		t.Fatalf("%d allocations left after churn", v.Len())
	}
	checkConsistent(t, v)
}
