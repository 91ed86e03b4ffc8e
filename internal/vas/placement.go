package vas

import "github.com/orizon-lang/vaskit/internal/paging"

// Reserve places an allocation at a caller-chosen address, used when the
// caller already knows where a region must live (loader segments, thread
// stacks, signal trampolines). The address is rounded down and the size
// rounded up to page alignment.
//
// No pages are committed; the reservation only makes a later fault on the
// range legitimate. Returns ErrOutOfRange when the range falls outside the
// space, or ErrOverlap when it collides with an existing allocation.
func (v *VAS) Reserve(address, size uintptr, typ AllocationType) (*Allocation, error) {
	address = paging.AlignDown(address)
	size = paging.AlignUp(size)

	if address < v.base || address+size > v.base+v.size || size == 0 {
		log.WithFields(logFields(v, address, size)).Error("cannot reserve region outside of address space")
		return nil, errOutOfRange(address, size, v.base, v.base+v.size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Find the node the new range goes after, refusing any collision.
	var prev *Node
	for n := v.head; n != nil; n = n.next {
		a := n.Allocation()
		if address+size <= a.base {
			break
		}
		if a.overlaps(address, size) {
			log.WithFields(logFields(v, address, size)).Error("reservation overlaps existing allocation")
			return nil, errOverlap(address, size, a.base, a.size)
		}
		prev = n
	}

	alloc := newAllocation(address, size, ProtDefault, typ)
	v.insertAfter(prev, newNode(alloc))

	log.WithFields(logFields(v, address, size)).Debug("reserved region")
	return alloc, nil
}

// Allocate places a region of the given size at an address of the engine's
// choosing: the first hole that fits, scanning the leading gap, the gaps
// between neighbors, and finally the space past the highest address in use.
// Returns ErrOutOfMemory when no hole fits.
func (v *VAS) Allocate(size uintptr) (*Allocation, error) {
	if size == 0 {
		return nil, ErrOutOfMemory
	}
	size = paging.AlignUp(size)

	v.mu.Lock()
	defer v.mu.Unlock()

	// Leading gap between the space base and the first allocation.
	if v.head != nil {
		first := v.head.Allocation()
		if first.base-v.base >= size {
			alloc := newAllocation(v.base, size, ProtDefault, AllocNormal)
			v.insertAfter(nil, newNode(alloc))
			return alloc, nil
		}
	}

	// Internal gaps between consecutive allocations. Track the highest
	// address in use for the trailing strategy on the way through.
	highest := v.base
	for n := v.head; n != nil; n = n.next {
		a := n.Allocation()
		if a.base+a.size > highest {
			highest = a.base + a.size
		}

		next := n.next
		if next == nil {
			break
		}
		hole := next.Allocation().base - (a.base + a.size)
		if hole >= size {
			alloc := newAllocation(a.base+a.size, size, ProtDefault, AllocNormal)
			v.insertAfter(n, newNode(alloc))
			return alloc, nil
		}
	}

	// Trailing space past everything in use.
	if highest+size > v.base+v.size {
		log.WithFields(logFields(v, highest, size)).Debug("no hole fits allocation")
		return nil, ErrOutOfMemory
	}

	alloc := newAllocation(highest, size, ProtDefault, AllocNormal)
	v.insertAfter(v.tail, newNode(alloc))
	return alloc, nil
}

// Free releases node's ownership of its allocation. The backing pages are
// only dropped when the last owner across all address spaces lets go; a
// still-shared allocation is left untouched.
func (v *VAS) Free(node *Node) {
	if node == nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.unlink(node)

	alloc := node.Allocation()
	alloc.refMu.Lock()
	alloc.references--
	if alloc.references == 0 {
		for addr := alloc.base; addr < alloc.base+alloc.size; addr += PageSize {
			if pg := v.dir.Lookup(addr, false); pg != nil {
				v.dir.Free(pg)
			}
		}
	}
	alloc.refMu.Unlock()
}

// Get returns the node whose allocation covers address, or nil. The match
// is half-open: an address one past the end of a region does not hit it.
func (v *VAS) Get(address uintptr) *Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n := v.head; n != nil; n = n.next {
		if n.Allocation().contains(address) {
			return n
		}
	}
	return nil
}

// FindNode returns the node pointing at alloc, or nil. Callers that hold an
// allocation but need its list position (the munmap path) use this.
func (v *VAS) FindNode(alloc *Allocation) *Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n := v.head; n != nil; n = n.next {
		if n.Allocation() == alloc {
			return n
		}
	}
	return nil
}
