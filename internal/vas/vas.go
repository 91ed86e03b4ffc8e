// Package vas implements the per-process virtual address space manager: an
// ordered region list of allocations, first-fit placement, lazy page
// commit, and copy-on-write sharing between cloned address spaces.
//
// Architecture-specific page-table work and physical frame ownership are
// delegated to the collaborator interfaces in internal/paging.
package vas

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/vaskit/internal/paging"
)

var log = logrus.WithField("module", "mem:vas")

// PageSize is the allocation granularity of every address space.
const PageSize = paging.PageSize

// VAS is one virtual address space: the bounds it may manage, its creation
// flags, its page-table directory, and the ordered region list of live
// allocations.
//
// mu guards all region list mutation and traversal. Allocation sharing
// state has its own lock; mu is never acquired while holding one.
type VAS struct {
	name  string
	base  uintptr
	size  uintptr
	flags Flags

	dir    paging.Directory
	frames paging.FrameSource

	mu          sync.Mutex
	head        *Node
	tail        *Node
	allocations int
}

// Create builds a fresh, empty address space managing [base, base+size).
// The directory is owned by the address space from this point and released
// by Destroy.
func Create(name string, base, size uintptr, flags Flags, dir paging.Directory, frames paging.FrameSource) *VAS {
	return &VAS{
		name:   name,
		base:   base,
		size:   size,
		flags:  flags,
		dir:    dir,
		frames: frames,
	}
}

// Name returns the tag given at creation.
func (v *VAS) Name() string { return v.name }

// Base returns the lowest address this space manages.
func (v *VAS) Base() uintptr { return v.base }

// Size returns the length of the managed range.
func (v *VAS) Size() uintptr { return v.size }

// Flags returns the creation flags.
func (v *VAS) Flags() Flags { return v.flags }

// Directory returns the page-table root. The reference is only valid while
// the address space is alive.
func (v *VAS) Directory() paging.Directory { return v.dir }

// Len reports the number of live allocations.
func (v *VAS) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allocations
}

// Destroy frees every allocation and releases the page-table directory.
// The address space must not be used afterwards.
func (v *VAS) Destroy() {
	for {
		v.mu.Lock()
		n := v.head
		v.mu.Unlock()
		if n == nil {
			break
		}
		v.Free(n)
	}

	v.mu.Lock()
	dir := v.dir
	v.dir = nil
	v.mu.Unlock()
	if dir != nil {
		dir.Release()
	}
}

// insertAfter splices node in after prev, or at the head when prev is nil.
// Caller holds mu.
func (v *VAS) insertAfter(prev, node *Node) {
	if prev == nil {
		node.next = v.head
		if v.head != nil {
			v.head.prev = node
		}
		v.head = node
		if v.tail == nil {
			v.tail = node
		}
	} else {
		node.next = prev.next
		node.prev = prev
		prev.next = node
		if node.next != nil {
			node.next.prev = node
		} else {
			v.tail = node
		}
	}
	v.allocations++
}

// unlink removes node from the list. Caller holds mu.
func (v *VAS) unlink(node *Node) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		v.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		v.tail = node.prev
	}
	node.prev = nil
	node.next = nil
	v.allocations--
}
