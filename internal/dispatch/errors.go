package dispatch

import (
	"fmt"
)

// ManualPrintHint is attached when every print path failed
const ManualPrintHint = "use the manual browser print function"

// DispatchError is returned when the hardware path and every fallback failed.
// Cause is the last underlying failure.
type DispatchError struct {
	Cause error
	Hint  string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("all print paths failed: %v", e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }
