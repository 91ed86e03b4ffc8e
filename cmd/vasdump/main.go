// vasdump runs a scripted address-space scenario against the software MMU
// and dumps the resulting layout. Useful for eyeballing placement and
// copy-on-write behavior without an embedding kernel.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/vaskit/internal/paging"
	"github.com/orizon-lang/vaskit/internal/vas"
)

func main() {
	var (
		memSize = flag.Uint64("mem", 16*1024*1024, "simulated physical memory in bytes")
		base    = flag.Uint64("base", 0x1000, "address space base")
		size    = flag.Uint64("size", 0x100000, "address space size")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logrus.SetLevel(logrus.InfoLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := paging.DefaultConfig()
	cfg.MemorySize = uintptr(*memSize)
	frames := paging.NewFrameAllocator(cfg)

	parent := vas.Create("demo", uintptr(*base), uintptr(*size), vas.FlagUsermode,
		paging.NewSoftDirectory(frames), frames)

	if _, err := parent.Reserve(parent.Base(), 0x4000, vas.AllocExecutable); err != nil {
		fail("reserve image", err)
	}
	heap, err := parent.Allocate(0x8000)
	if err != nil {
		fail("allocate heap", err)
	}
	if _, err := parent.Allocate(0x2000); err != nil {
		fail("allocate stack", err)
	}

	// Touch the heap so the fork below has pages to share.
	if ok, err := parent.Fault(heap.Base(), heap.Size()); !ok || err != nil {
		fail("heap fault", err)
	}

	child, err := parent.Clone()
	if err != nil {
		fail("clone", err)
	}

	// A write in the child splits its heap copy off.
	if ok, err := child.Fault(heap.Base(), 0); !ok || err != nil {
		fail("child cow fault", err)
	}

	parent.Dump()
	child.Dump()

	for _, v := range []*vas.VAS{parent, child} {
		if err := v.CheckConsistency(); err != nil {
			fail("consistency", err)
		}
		fmt.Printf("%-6s allocations=%d range=%#x-%#x\n", v.Name(), v.Len(), v.Base(), v.Base()+v.Size())
	}

	total, free, allocs := frames.Stats()
	fmt.Printf("frames total=%d free=%d cumulative-allocations=%d\n", total, free, allocs)

	child.Destroy()
	parent.Destroy()
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "vasdump: %s: %v\n", what, err)
	os.Exit(1)
}
