package paging

import (
	"fmt"
	"sync"
)

// softPage is one entry of a SoftDirectory.
type softPage struct {
	frame Frame
	flags EntryFlags
}

// SoftDirectory is a software page-table root: a flat map from page-aligned
// virtual addresses to entries. Kernel-global mappings live in a table
// shared by every clone, mirroring how a hardware directory copies the
// kernel half of the root table.
type SoftDirectory struct {
	mu     sync.Mutex
	pages  map[uintptr]*softPage
	kernel *kernelTable
	frames *FrameAllocator
}

// kernelTable holds the global mappings replicated across all directories.
type kernelTable struct {
	mu    sync.Mutex
	pages map[uintptr]*softPage
}

// NewSoftDirectory creates an empty directory drawing frames from fa.
func NewSoftDirectory(fa *FrameAllocator) *SoftDirectory {
	return &SoftDirectory{
		pages:  make(map[uintptr]*softPage),
		kernel: &kernelTable{pages: make(map[uintptr]*softPage)},
		frames: fa,
	}
}

// Lookup finds the entry covering vaddr, creating it when asked.
func (d *SoftDirectory) Lookup(vaddr uintptr, create bool) Page {
	key := AlignDown(vaddr)

	d.kernel.mu.Lock()
	if pg, ok := d.kernel.pages[key]; ok {
		d.kernel.mu.Unlock()
		return pg
	}
	d.kernel.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if pg, ok := d.pages[key]; ok {
		return pg
	}
	if !create {
		return nil
	}
	pg := &softPage{}
	d.pages[key] = pg
	return pg
}

// Commit binds pg to frame with the given flags, following the
// frame-reference rules documented on Directory.
func (d *SoftDirectory) Commit(pg Page, flags EntryFlags, frame Frame) error {
	sp, ok := pg.(*softPage)
	if !ok {
		return fmt.Errorf("commit of foreign page handle %T", pg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if frame == NullFrame {
		f, err := d.frames.AllocateFrame()
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		frame = f
	}

	if frame != sp.frame {
		d.frames.RetainFrame(frame)
		if sp.frame != NullFrame {
			d.frames.ReleaseFrame(sp.frame)
		}
		sp.frame = frame
	}
	sp.flags = flags | EntryPresent
	return nil
}

// Free unbinds pg and drops its frame reference.
func (d *SoftDirectory) Free(pg Page) {
	sp, ok := pg.(*softPage)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sp.frame != NullFrame {
		d.frames.ReleaseFrame(sp.frame)
		sp.frame = NullFrame
	}
	sp.flags = 0
}

// FrameOf reports the frame bound to pg.
func (d *SoftDirectory) FrameOf(pg Page) Frame {
	sp, ok := pg.(*softPage)
	if !ok {
		return NullFrame
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return sp.frame
}

// Flags reports the protection bits set on pg.
func (d *SoftDirectory) Flags(pg Page) EntryFlags {
	sp, ok := pg.(*softPage)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return sp.flags
}

// MapKernel installs a global mapping visible in this directory and every
// clone of it. The frame reference is owned by the kernel table for the
// lifetime of the process group; Release does not drop it.
func (d *SoftDirectory) MapKernel(vaddr uintptr, frame Frame, flags EntryFlags) {
	d.kernel.mu.Lock()
	defer d.kernel.mu.Unlock()
	d.kernel.pages[AlignDown(vaddr)] = &softPage{
		frame: frame,
		flags: flags | EntryPresent | EntryGlobal,
	}
}

// Clone produces a new directory sharing only the kernel-global table.
func (d *SoftDirectory) Clone() Directory {
	return &SoftDirectory{
		pages:  make(map[uintptr]*softPage),
		kernel: d.kernel,
		frames: d.frames,
	}
}

// Release drops the frame references of every process mapping and empties
// the directory. The shared kernel table is left alone.
func (d *SoftDirectory) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sp := range d.pages {
		if sp.frame != NullFrame {
			d.frames.ReleaseFrame(sp.frame)
		}
	}
	d.pages = make(map[uintptr]*softPage)
}

// Present reports how many process mappings currently hold a frame. Used by
// diagnostics and tests.
func (d *SoftDirectory) Present() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, sp := range d.pages {
		if sp.flags&EntryPresent != 0 && sp.frame != NullFrame {
			n++
		}
	}
	return n
}
