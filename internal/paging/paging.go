// Package paging defines the page-table and physical-frame collaborator
// interfaces consumed by the virtual address space layer, together with a
// software reference implementation used for testing and simulation.
//
// The VAS layer never interprets a page-table format; it only asks a
// Directory to look up, commit, and release entries, and asks a FrameSource
// for physical frames and temporary copy windows.
package paging

// PageSize is the granularity of every mapping operation in this module.
const PageSize uintptr = 4096

// Frame is a physical frame address. NullFrame means "no frame"; Commit
// allocates a fresh frame when it is passed.
type Frame uintptr

// NullFrame is the zero frame, never handed out by a FrameSource.
const NullFrame Frame = 0

// Page is an opaque handle to one page-table entry. Implementations return
// their own concrete type; callers only pass it back.
type Page any

// EntryFlags are the protection bits applied when committing an entry.
type EntryFlags uint64

const (
	EntryPresent   EntryFlags = 1 << 0
	EntryWritable  EntryFlags = 1 << 1
	EntryUser      EntryFlags = 1 << 2
	EntryGlobal    EntryFlags = 1 << 8
	EntryNoExecute EntryFlags = 1 << 63
)

// Directory is the page-table root owned by one address space.
//
// Commit binds an entry to a frame with the given bits. Passing NullFrame
// allocates a fresh zeroed frame. Passing the entry's current frame updates
// protection bits only, without touching frame reference counts; passing a
// different frame takes a reference on it and drops the reference held on
// the previously bound frame.
type Directory interface {
	// Lookup finds the entry covering vaddr, creating intermediate
	// structures when create is set. Returns nil when the entry does not
	// exist and create is false.
	Lookup(vaddr uintptr, create bool) Page

	// Commit binds pg to frame with the given flags. See type comment for
	// the frame-reference rules.
	Commit(pg Page, flags EntryFlags, frame Frame) error

	// Free unbinds pg and drops the reference on its frame.
	Free(pg Page)

	// FrameOf reports the frame currently bound to pg, or NullFrame.
	FrameOf(pg Page) Frame

	// Flags reports the protection bits currently set on pg.
	Flags(pg Page) EntryFlags

	// Clone produces a new directory sharing only the kernel-global
	// portion of this one. Process mappings are not carried over.
	Clone() Directory

	// Release destroys the directory. Process entries still bound to a
	// frame drop their frame references.
	Release()
}

// FrameSource is the physical memory collaborator: frame allocation,
// per-frame reference counting, and temporary windows used to copy page
// contents during a copy-on-write split.
type FrameSource interface {
	// AllocateFrame reserves a zeroed frame with no references yet; the
	// first Commit that binds it takes the first reference.
	AllocateFrame() (Frame, error)

	// RetainFrame adds one reference to an allocated frame.
	RetainFrame(f Frame)

	// ReleaseFrame drops one reference; the frame returns to the free
	// list when the count reaches zero.
	ReleaseFrame(f Frame)

	// RemapTemporary exposes size bytes of a frame as a byte window.
	RemapTemporary(f Frame, size uintptr) []byte

	// UnmapTemporary tears down a window returned by RemapTemporary.
	UnmapTemporary(window []byte)
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds size up to a page boundary.
func AlignUp(size uintptr) uintptr {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
