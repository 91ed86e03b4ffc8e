package vas

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func logFields(v *VAS, address, size uintptr) logrus.Fields {
	return logrus.Fields{
		"vas":   v.name,
		"range": fmt.Sprintf("%#x-%#x", address, address+size),
	}
}

// Dump logs the full layout of the address space: bounds, flags, and every
// allocation with its links and sharing state. Corrupted links or ordering
// are reported at error level. Debugging aid, not a hot-path operation.
func (v *VAS) Dump() {
	v.mu.Lock()
	defer v.mu.Unlock()

	log.WithFields(logrus.Fields{
		"vas":         v.name,
		"range":       fmt.Sprintf("%#x-%#x", v.base, v.base+v.size),
		"allocations": v.allocations,
		"flags":       v.flags.String(),
	}).Debug("address space dump")

	boundary := v.base
	var last *Node
	for n := v.head; n != nil; n = n.next {
		a := n.Allocation()
		log.WithFields(logrus.Fields{
			"vas":   v.name,
			"range": fmt.Sprintf("%#x-%#x", a.base, a.base+a.size),
			"type":  a.typ.String(),
			"refs":  a.References(),
		}).Debug("  allocation")

		if n.prev != last {
			log.WithField("vas", v.name).Errorf("allocation corrupted: prev link mismatch at %#x", a.base)
		}
		if a.base < boundary {
			log.WithField("vas", v.name).Errorf("allocation corrupted: %#x below boundary %#x", a.base, boundary)
		}
		boundary = a.base + a.size
		last = n
	}
}

// CheckConsistency walks the region list and verifies its invariants:
// strictly ascending non-overlapping ranges, every range inside the space
// bounds, head/tail and prev/next links mutually consistent, and the
// allocation count matching the walk. Returns the first violation found.
func (v *VAS) CheckConsistency() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.head == nil {
		if v.tail != nil || v.allocations != 0 {
			return errConsistency("empty list with tail=%p count=%d", v.tail, v.allocations)
		}
		return nil
	}
	if v.head.prev != nil {
		return errConsistency("head has a predecessor")
	}

	boundary := v.base
	count := 0
	var last *Node
	for n := v.head; n != nil; n = n.next {
		a := n.Allocation()
		count++

		if n.prev != last {
			return errConsistency("prev link mismatch at %#x", a.base)
		}
		if a.base < boundary {
			return errConsistency("allocation %#x-%#x overlaps or is out of order (boundary %#x)", a.base, a.base+a.size, boundary)
		}
		if a.base < v.base || a.base+a.size > v.base+v.size {
			return errConsistency("allocation %#x-%#x outside space %#x-%#x", a.base, a.base+a.size, v.base, v.base+v.size)
		}
		if a.size == 0 || a.base%PageSize != 0 || a.size%PageSize != 0 {
			return errConsistency("allocation %#x-%#x not page aligned", a.base, a.base+a.size)
		}

		boundary = a.base + a.size
		last = n
	}

	if last != v.tail {
		return errConsistency("tail does not terminate the list")
	}
	if count != v.allocations {
		return errConsistency("allocation count %d does not match walk %d", v.allocations, count)
	}
	return nil
}

// String renders the flag set for diagnostics.
func (f Flags) String() string {
	s := ""
	if f&FlagUsermode != 0 {
		s += "user "
	} else {
		s += "kernel "
	}
	if f&FlagNoCoW != 0 {
		s += "nocow "
	} else {
		s += "cow "
	}
	if f&FlagOnlyReal != 0 {
		s += "real "
	} else {
		s += "lazy "
	}
	if f&FlagGlobal != 0 {
		s += "global"
	} else {
		s += "local"
	}
	return s
}
