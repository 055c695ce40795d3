package process

import (
	"fmt"

	"kernsim/pkg/kerr"
)

// ResourceType represents the type of resource being limited.
type ResourceType string

const (
	// ResourceMemory represents bytes held by process allocations.
	ResourceMemory ResourceType = "memory"
	// ResourceAllocations represents allocation table entries.
	ResourceAllocations ResourceType = "allocations"
	// ResourceFiles represents open files.
	ResourceFiles ResourceType = "files"
)

// ResourceLimits defines resource limits for a process.
type ResourceLimits struct {
	// MaxMemory is the maximum bytes of process allocations; 0 is
	// unlimited.
	MaxMemory uint32
	// MaxAllocations is the size of the allocation table.
	MaxAllocations int
	// MaxFiles is the size of the file descriptor table.
	MaxFiles int
}

// DefaultLimits returns the default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemory:      0,
		MaxAllocations: 1024,
		MaxFiles:       16,
	}
}

// LimitError represents a resource limit violation.
type LimitError struct {
	Type  ResourceType
	Limit uint64
	Used  uint64
	Want  uint64
}

// Error returns the error message.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d used, %d requested, limit %d", e.Type, e.Used, e.Want, e.Limit)
}

// Unwrap maps the violation onto the kernel error taxonomy.
func (e *LimitError) Unwrap() error {
	switch e.Type {
	case ResourceAllocations:
		return kerr.ErrAllocTableFull
	case ResourceFiles:
		return kerr.ErrFileTableFull
	default:
		return kerr.ErrQuotaExceeded
	}
}

// IsLimitError checks if an error is a limit error.
func IsLimitError(err error) bool {
	_, ok := err.(*LimitError)
	return ok
}

// checkMemory reports whether want more bytes fit the memory quota.
func (l ResourceLimits) checkMemory(used, want uint32) error {
	if l.MaxMemory > 0 && uint64(used)+uint64(want) > uint64(l.MaxMemory) {
		return &LimitError{
			Type:  ResourceMemory,
			Limit: uint64(l.MaxMemory),
			Used:  uint64(used),
			Want:  uint64(want),
		}
	}
	return nil
}
