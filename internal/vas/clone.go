package vas

import (
	"errors"
	"fmt"

	"github.com/orizon-lang/vaskit/internal/paging"
)

// Clone produces a new address space mirroring this one's region layout, as
// on process fork. With copy-on-write enabled the child shares every
// allocation read-only and no page contents move; with FlagNoCoW set every
// region is deep-copied up front.
//
// The kernel-global portion of the page-table directory is carried over by
// the directory's own Clone; those mappings are never subject to
// copy-on-write.
func (v *VAS) Clone() (*VAS, error) {
	child := &VAS{
		name:   v.name,
		base:   v.base,
		size:   v.size,
		flags:  v.flags,
		dir:    v.dir.Clone(),
		frames: v.frames,
	}

	// Snapshot the parent's (already sorted) list, then copy without the
	// region lock held: copyAllocation takes allocation reference locks
	// and the two must never nest.
	v.mu.Lock()
	parents := make([]*Allocation, 0, v.allocations)
	for n := v.head; n != nil; n = n.next {
		parents = append(parents, n.Allocation())
	}
	v.mu.Unlock()

	for _, src := range parents {
		alloc, err := child.copyAllocation(v, src)
		if err != nil {
			child.Destroy()
			return nil, fmt.Errorf("cloning %q: %w", v.name, err)
		}
		child.mu.Lock()
		child.insertAfter(child.tail, newNode(alloc))
		child.mu.Unlock()
	}

	return child, nil
}

// copyAllocation hands the child its version of one parent allocation:
// either the same allocation shared copy-on-write, or a deep copy.
func (v *VAS) copyAllocation(parent *VAS, src *Allocation) (*Allocation, error) {
	// Shared mappings stay shared. They are never write-protected and
	// never split into private copies; the pages themselves belong to
	// whoever backs the mapping.
	if src.typ == AllocMMapShared {
		return v.shareAllocation(parent, src, false)
	}

	if v.flags&FlagNoCoW == 0 {
		alloc, err := v.shareAllocation(parent, src, true)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, ErrTooManyReferences) {
			return nil, err
		}
		// Ceiling reached; fall through to a deep copy.
	}

	return v.deepCopyAllocation(parent, src)
}

// shareAllocation takes one more reference on src and maps the child onto
// the parent's frames. With cow set both sides lose write permission so the
// next write faults into the resolver.
func (v *VAS) shareAllocation(parent *VAS, src *Allocation, cow bool) (*Allocation, error) {
	src.refMu.Lock()
	defer src.refMu.Unlock()

	if src.references >= maxReferences {
		return nil, ErrTooManyReferences
	}
	src.references++

	flags := entryFlags(src.prot, v.flags)
	if cow {
		src.pendingCoW = true
		flags &^= paging.EntryWritable
	}

	for addr := src.base; addr < src.base+src.size; addr += PageSize {
		ppg := parent.dir.Lookup(addr, false)
		if ppg == nil {
			continue
		}
		frame := parent.dir.FrameOf(ppg)
		if frame == paging.NullFrame {
			continue
		}

		if cow {
			if err := parent.dir.Commit(ppg, flags, frame); err != nil {
				src.references--
				return nil, fmt.Errorf("write-protecting parent page %#x: %w", addr, err)
			}
		}

		cpg := v.dir.Lookup(addr, true)
		if err := v.dir.Commit(cpg, flags, frame); err != nil {
			src.references--
			return nil, fmt.Errorf("sharing page %#x: %w", addr, err)
		}
	}

	return src, nil
}

// deepCopyAllocation duplicates src's present pages into fresh frames bound
// in the child, used when sharing is disabled or impossible.
func (v *VAS) deepCopyAllocation(parent *VAS, src *Allocation) (*Allocation, error) {
	dup := newAllocation(src.base, src.size, src.prot, src.typ)

	flags := entryFlags(dup.prot, v.flags)
	for addr := src.base; addr < src.base+src.size; addr += PageSize {
		ppg := parent.dir.Lookup(addr, false)
		if ppg == nil {
			continue
		}
		srcFrame := parent.dir.FrameOf(ppg)
		if srcFrame == paging.NullFrame {
			continue
		}

		frame, err := v.frames.AllocateFrame()
		if err != nil {
			return nil, fmt.Errorf("deep copy at %#x: %w", addr, err)
		}

		from := v.frames.RemapTemporary(srcFrame, PageSize)
		to := v.frames.RemapTemporary(frame, PageSize)
		copy(to, from)
		v.frames.UnmapTemporary(to)
		v.frames.UnmapTemporary(from)

		cpg := v.dir.Lookup(addr, true)
		if err := v.dir.Commit(cpg, flags, frame); err != nil {
			return nil, fmt.Errorf("deep copy at %#x: %w", addr, err)
		}
	}

	return dup, nil
}
