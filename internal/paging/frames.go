package paging

import (
	"fmt"
	"sync"

	"golang.org/x/sys/cpu"
)

// Config holds the parameters of the software paging implementation.
type Config struct {
	// MemorySize is the amount of simulated physical memory in bytes.
	MemorySize uintptr

	// PageSize is the frame granularity. Must match PageSize for use with
	// the VAS layer; configurable for allocator tests only.
	PageSize uintptr

	// FrameBase is the physical address of the first frame. Kept non-zero
	// so NullFrame never collides with a real frame.
	FrameBase uintptr
}

// DefaultConfig returns the configuration used by tests and the vasdump
// tool: 16MB of simulated memory in 4KB frames.
func DefaultConfig() Config {
	return Config{
		MemorySize: 16 * 1024 * 1024,
		PageSize:   PageSize,
		FrameBase:  uintptr(PageSize),
	}
}

// FrameAllocator is a software physical memory manager: a free list of
// frames, per-frame reference counts, and an arena backing frame contents so
// temporary remap windows can expose them for copying.
type FrameAllocator struct {
	mu sync.Mutex
	_  cpu.CacheLinePad

	cfg   Config
	arena []byte
	free  []Frame
	refs  map[Frame]uint32

	totalFrames uint64
	freeFrames  uint64
	allocations uint64
}

// NewFrameAllocator builds an allocator over cfg.MemorySize bytes of backing
// memory.
func NewFrameAllocator(cfg Config) *FrameAllocator {
	if cfg.PageSize == 0 {
		cfg.PageSize = PageSize
	}
	if cfg.FrameBase == 0 {
		cfg.FrameBase = cfg.PageSize
	}
	count := cfg.MemorySize / cfg.PageSize
	fa := &FrameAllocator{
		cfg:   cfg,
		arena: make([]byte, cfg.MemorySize),
		free:  make([]Frame, 0, count),
		refs:  make(map[Frame]uint32),
	}
	for i := uintptr(0); i < count; i++ {
		fa.free = append(fa.free, Frame(cfg.FrameBase+i*cfg.PageSize))
	}
	fa.totalFrames = uint64(count)
	fa.freeFrames = uint64(count)
	return fa
}

// AllocateFrame reserves a zeroed frame. The frame starts with no
// references; the first Commit binding it takes the first one.
func (fa *FrameAllocator) AllocateFrame() (Frame, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if len(fa.free) == 0 {
		return NullFrame, fmt.Errorf("out of physical frames (%d in use)", fa.totalFrames)
	}

	f := fa.free[0]
	fa.free = fa.free[1:]
	fa.refs[f] = 0
	fa.freeFrames--
	fa.allocations++

	// Fresh frames are handed out zeroed.
	off := fa.offset(f)
	clear(fa.arena[off : off+fa.cfg.PageSize])

	return f, nil
}

// RetainFrame adds one reference to an allocated frame.
func (fa *FrameAllocator) RetainFrame(f Frame) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if _, ok := fa.refs[f]; !ok {
		log.WithField("frame", fmt.Sprintf("%#x", uintptr(f))).Error("retain of unallocated frame")
		return
	}
	fa.refs[f]++
}

// ReleaseFrame drops one reference and returns the frame to the free list at
// zero.
func (fa *FrameAllocator) ReleaseFrame(f Frame) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	n, ok := fa.refs[f]
	if !ok {
		log.WithField("frame", fmt.Sprintf("%#x", uintptr(f))).Error("release of unallocated frame")
		return
	}
	if n > 1 {
		fa.refs[f] = n - 1
		return
	}
	delete(fa.refs, f)
	fa.free = append(fa.free, f)
	fa.freeFrames++
}

// RemapTemporary exposes size bytes of frame contents as a byte window.
func (fa *FrameAllocator) RemapTemporary(f Frame, size uintptr) []byte {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if size > fa.cfg.PageSize {
		size = fa.cfg.PageSize
	}
	off := fa.offset(f)
	return fa.arena[off : off+size]
}

// UnmapTemporary releases a window from RemapTemporary. The software
// implementation has nothing to tear down; the method exists so callers
// follow the same protocol a hardware-backed implementation needs.
func (fa *FrameAllocator) UnmapTemporary(window []byte) {}

// Refs reports the current reference count of a frame.
func (fa *FrameAllocator) Refs(f Frame) uint32 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.refs[f]
}

// Stats reports total, free, and cumulative allocated frame counts.
func (fa *FrameAllocator) Stats() (total, free, allocations uint64) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.totalFrames, fa.freeFrames, fa.allocations
}

func (fa *FrameAllocator) offset(f Frame) uintptr {
	off := uintptr(f) - fa.cfg.FrameBase
	if off >= uintptr(len(fa.arena)) {
		panic(fmt.Sprintf("frame %#x outside arena", uintptr(f)))
	}
	return off
}
