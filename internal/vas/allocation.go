package vas

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/vaskit/internal/paging"
)

// Flags control how an address space hands out and shares memory.
type Flags uint32

const (
	// FlagUsermode marks pages accessible from unprivileged mode.
	FlagUsermode Flags = 1 << iota

	// FlagNoCoW disables page sharing; Clone always deep-copies.
	FlagNoCoW

	// FlagOnlyReal disables lazy commit; every page must already be
	// committed, so faults are never resolved here.
	FlagOnlyReal

	// FlagGlobal marks mappings replicated across all address spaces.
	FlagGlobal
)

// Protection is the read/write/execute permission set of an allocation,
// applied by the fault resolver when pages are committed.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// ProtDefault is the protection given to new allocations.
const ProtDefault = ProtRead | ProtWrite

// AllocationType tags the purpose of a region. It is bookkeeping only and
// never changes placement behavior, except that shared mappings are never
// split into private copies on a write fault.
type AllocationType uint8

const (
	AllocNormal AllocationType = iota + 1
	AllocMMap
	AllocMMapShared
	AllocThreadStack
	AllocProgramBreak
	AllocExecutable
	AllocSignalTrampoline
)

var allocationTypeNames = map[AllocationType]string{
	AllocNormal:           "normal",
	AllocMMap:             "mmap",
	AllocMMapShared:       "mmap-shared",
	AllocThreadStack:      "thread-stack",
	AllocProgramBreak:     "program-break",
	AllocExecutable:       "executable",
	AllocSignalTrampoline: "signal-trampoline",
}

func (t AllocationType) String() string {
	if s, ok := allocationTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// maxReferences is the reference ceiling; the count has bounded width, so
// Clone falls back to a deep copy once an allocation is this shared.
const maxReferences = ^uint8(0)

// Allocation describes one contiguous region of virtual memory. The
// identity (base, size, prot, type) is immutable after creation; the
// sharing state (references, pendingCoW) is guarded by refMu.
//
// An Allocation may be pointed to by nodes in several address spaces at
// once during copy-on-write sharing. It is destroyed exactly when the last
// node drops its reference.
type Allocation struct {
	base uintptr
	size uintptr
	prot Protection
	typ  AllocationType

	refMu      sync.Mutex
	references uint8
	pendingCoW bool
}

func newAllocation(base, size uintptr, prot Protection, typ AllocationType) *Allocation {
	return &Allocation{
		base:       base,
		size:       size,
		prot:       prot,
		typ:        typ,
		references: 1,
	}
}

// Base returns the page-aligned start of the region.
func (a *Allocation) Base() uintptr { return a.base }

// Size returns the page-aligned length of the region.
func (a *Allocation) Size() uintptr { return a.size }

// End returns one past the last address of the region.
func (a *Allocation) End() uintptr { return a.base + a.size }

// Prot returns the protection bits.
func (a *Allocation) Prot() Protection { return a.prot }

// Type returns the bookkeeping tag.
func (a *Allocation) Type() AllocationType { return a.typ }

// References reports how many nodes currently point at this allocation.
func (a *Allocation) References() int {
	a.refMu.Lock()
	defer a.refMu.Unlock()
	return int(a.references)
}

// PendingCoW reports whether the next write fault must resolve sharing.
func (a *Allocation) PendingCoW() bool {
	a.refMu.Lock()
	defer a.refMu.Unlock()
	return a.pendingCoW
}

// contains reports whether addr falls inside the half-open region.
func (a *Allocation) contains(addr uintptr) bool {
	return addr >= a.base && addr < a.base+a.size
}

// overlaps reports whether [address, address+size) intersects the region.
func (a *Allocation) overlaps(address, size uintptr) bool {
	return address < a.base+a.size && a.base < address+size
}

// Node is one position in an address space's region list. The node owns its
// list links; the allocation it points to may be shared across address
// spaces and is held through an atomic pointer because copy-on-write
// resolution swaps it without the VAS lock held.
type Node struct {
	alloc atomic.Pointer[Allocation]
	prev  *Node
	next  *Node
}

func newNode(a *Allocation) *Node {
	n := &Node{}
	n.alloc.Store(a)
	return n
}

// Allocation returns the allocation this node currently points to.
func (n *Node) Allocation() *Allocation { return n.alloc.Load() }

// Next returns the following node in ascending base order.
func (n *Node) Next() *Node { return n.next }

// Prev returns the preceding node.
func (n *Node) Prev() *Node { return n.prev }

// entryFlags derives the page-table bits for committing a page of an
// allocation with the given protection inside an address space with the
// given flags.
func entryFlags(prot Protection, flags Flags) paging.EntryFlags {
	ef := paging.EntryPresent
	if prot&ProtWrite != 0 {
		ef |= paging.EntryWritable
	}
	if prot&ProtExec == 0 {
		ef |= paging.EntryNoExecute
	}
	if flags&FlagUsermode != 0 {
		ef |= paging.EntryUser
	}
	if flags&FlagGlobal != 0 {
		ef |= paging.EntryGlobal
	}
	return ef
}
