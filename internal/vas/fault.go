package vas

import (
	"fmt"

	"github.com/orizon-lang/vaskit/internal/paging"
)

// cowState is the sharing situation of an allocation at fault time, derived
// from (pendingCoW, references) under the allocation's reference lock.
type cowState int

const (
	// cowNone: no sharing is pending; the fault is a lazy commit.
	cowNone cowState = iota

	// cowSoleSurvivor: copy-on-write was pending but every other sharer
	// is gone; the pages just need their write permission back.
	cowSoleSurvivor

	// cowMultiOwner: the allocation is still shared; resolving the fault
	// requires a private copy.
	cowMultiOwner
)

func deriveCoWState(pendingCoW bool, references uint8) cowState {
	switch {
	case pendingCoW && references <= 1:
		return cowSoleSurvivor
	case pendingCoW:
		return cowMultiOwner
	default:
		return cowNone
	}
}

// Fault resolves a page fault at address inside this space. sizeHint is a
// performance hint for how much surrounding memory to commit at once;
// correctness never depends on it and zero means one page's worth.
//
// Returns (false, nil) when the fault is not ours to resolve: the address
// is outside every allocation, or the space forbids lazy resolution. The
// trap handler must then take the fatal path for the process. A non-nil
// error reports a collaborator failure (frame exhaustion), not a
// segmentation violation.
func (v *VAS) Fault(address, sizeHint uintptr) (bool, error) {
	if v.flags&(FlagNoCoW|FlagOnlyReal) != 0 {
		return false, nil
	}

	node := v.Get(address)
	if node == nil {
		return false, nil
	}
	alloc := node.Allocation()

	alloc.refMu.Lock()
	switch deriveCoWState(alloc.pendingCoW, alloc.references) {
	case cowSoleSurvivor:
		err := v.resolveSoleSurvivor(alloc)
		alloc.refMu.Unlock()
		return err == nil, err

	case cowMultiOwner:
		err := v.resolveCopy(node, alloc)
		alloc.refMu.Unlock()
		return err == nil, err

	default:
		alloc.refMu.Unlock()
		return true, v.commitRange(alloc, address, sizeHint)
	}
}

// resolveSoleSurvivor handles the fault on a pending-CoW allocation whose
// sharing has already collapsed to one owner: no page is copied, the full
// range just gets its permissions restored. Caller holds alloc.refMu.
func (v *VAS) resolveSoleSurvivor(alloc *Allocation) error {
	alloc.pendingCoW = false

	flags := entryFlags(alloc.prot, v.flags)
	for addr := alloc.base; addr < alloc.base+alloc.size; addr += PageSize {
		pg := v.dir.Lookup(addr, false)
		if pg == nil {
			continue
		}
		if err := v.dir.Commit(pg, flags, v.dir.FrameOf(pg)); err != nil {
			return fmt.Errorf("restoring permissions at %#x: %w", addr, err)
		}
	}

	log.WithFields(logFields(v, alloc.base, alloc.size)).Debug("cow sharing collapsed, write permission restored")
	return nil
}

// resolveCopy handles the fault on an allocation still shared with another
// address space: the one path that duplicates physical pages. The node is
// reused and repointed at a fresh private allocation; the old one keeps
// serving the remaining sharers with one reference fewer. Caller holds
// old.refMu, which also serializes two spaces racing to split the same
// allocation.
func (v *VAS) resolveCopy(node *Node, old *Allocation) error {
	old.references--

	priv := newAllocation(old.base, old.size, old.prot, old.typ)
	node.alloc.Store(priv)

	flags := entryFlags(priv.prot, v.flags)
	for addr := priv.base; addr < priv.base+priv.size; addr += PageSize {
		pg := v.dir.Lookup(addr, false)
		if pg == nil {
			continue
		}

		frame, err := v.frames.AllocateFrame()
		if err != nil {
			return fmt.Errorf("cow split at %#x: %w", addr, err)
		}

		src := v.frames.RemapTemporary(v.dir.FrameOf(pg), PageSize)
		dst := v.frames.RemapTemporary(frame, PageSize)
		copy(dst, src)
		v.frames.UnmapTemporary(dst)
		v.frames.UnmapTemporary(src)

		if err := v.dir.Commit(pg, flags, frame); err != nil {
			return fmt.Errorf("cow split at %#x: %w", addr, err)
		}
	}

	log.WithFields(logFields(v, priv.base, priv.size)).Debug("cow split into private copy")
	return nil
}

// commitRange performs the lazy commit: the allocation exists but pages
// were never materialized. Commits min(sizeHint, alloc.size) starting at
// the faulting page, clipped to the allocation bounds.
func (v *VAS) commitRange(alloc *Allocation, address, sizeHint uintptr) error {
	hint := sizeHint
	if hint == 0 {
		hint = PageSize
	}
	if hint > alloc.size {
		hint = alloc.size
	}

	start := paging.AlignDown(address)
	end := address + hint
	if limit := alloc.base + alloc.size; end > limit {
		end = limit
	}

	flags := entryFlags(alloc.prot, v.flags)
	for addr := start; addr < end; addr += PageSize {
		pg := v.dir.Lookup(addr, true)
		if pg == nil {
			return errConsistency("page table refused entry for %#x", addr)
		}
		if v.dir.FrameOf(pg) != paging.NullFrame {
			continue
		}
		if err := v.dir.Commit(pg, flags, paging.NullFrame); err != nil {
			return fmt.Errorf("lazy commit at %#x: %w", addr, err)
		}
	}

	log.WithFields(logFields(v, start, end-start)).Debug("lazily committed region")
	return nil
}
