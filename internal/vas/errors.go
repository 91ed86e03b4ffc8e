package vas

import "fmt"

// ErrorCategory groups address-space errors for reporting.
type ErrorCategory string

const (
	CategoryBounds      ErrorCategory = "BOUNDS"
	CategoryMemory      ErrorCategory = "MEMORY"
	CategoryConsistency ErrorCategory = "CONSISTENCY"
)

// VASError provides a consistent error format across the address space
// layer. Errors carrying the same code compare equal under errors.Is, so
// callers match against the exported sentinels below.
type VASError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
}

// Error implements the error interface.
func (e *VASError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Is matches errors by code so wrapped instances compare against sentinels.
func (e *VASError) Is(target error) bool {
	t, ok := target.(*VASError)
	return ok && t.Code == e.Code
}

// Sentinel errors of the placement engine. Returned instances may carry
// per-call context; compare with errors.Is.
var (
	// ErrOutOfRange reports a reservation outside the address space bounds.
	ErrOutOfRange = &VASError{Category: CategoryBounds, Code: "OUT_OF_RANGE", Message: "region outside address space bounds"}

	// ErrOverlap reports a reservation colliding with an existing
	// allocation. This indicates a caller bug or prior address-space
	// corruption; the embedding kernel decides whether to halt.
	ErrOverlap = &VASError{Category: CategoryConsistency, Code: "OVERLAP", Message: "region overlaps an existing allocation"}

	// ErrOutOfMemory reports that no hole fits the requested size.
	ErrOutOfMemory = &VASError{Category: CategoryMemory, Code: "OUT_OF_MEMORY", Message: "no region of the requested size available"}

	// ErrTooManyReferences reports an allocation whose reference count
	// cannot grow further.
	ErrTooManyReferences = &VASError{Category: CategoryMemory, Code: "TOO_MANY_REFERENCES", Message: "allocation reference ceiling reached"}
)

func errOutOfRange(address, size, base, bound uintptr) *VASError {
	return &VASError{
		Category: CategoryBounds,
		Code:     ErrOutOfRange.Code,
		Message:  fmt.Sprintf("region %#x-%#x outside address space %#x-%#x", address, address+size, base, bound),
		Context:  map[string]interface{}{"address": address, "size": size},
	}
}

func errOverlap(address, size, existingBase, existingSize uintptr) *VASError {
	return &VASError{
		Category: CategoryConsistency,
		Code:     ErrOverlap.Code,
		Message:  fmt.Sprintf("region %#x-%#x overlaps allocation %#x-%#x", address, address+size, existingBase, existingBase+existingSize),
		Context:  map[string]interface{}{"address": address, "size": size, "existing": existingBase},
	}
}

func errConsistency(format string, args ...interface{}) *VASError {
	return &VASError{
		Category: CategoryConsistency,
		Code:     "CORRUPTED",
		Message:  fmt.Sprintf(format, args...),
	}
}
