package estimate

import (
	"errors"
	"fmt"
)

// InfeasibleError reports a placement that exceeds every budget. It carries
// the attempted requirements so callers can shrink context or batch size.
type InfeasibleError struct {
	ContextLength uint64
	BatchSize     uint64
	RequiredBytes uint64
	FreeBytes     uint64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("placement infeasible: need %d bytes, %d usable (ctx=%d batch=%d)",
		e.RequiredBytes, e.FreeBytes, e.ContextLength, e.BatchSize)
}

// IsInfeasible reports whether err is an infeasible-placement error.
func IsInfeasible(err error) bool {
	var e *InfeasibleError
	return errors.As(err, &e)
}
