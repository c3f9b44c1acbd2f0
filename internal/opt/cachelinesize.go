//go:build !skinny_cachelinesize_32 && !skinny_cachelinesize_64 && !skinny_cachelinesize_128 && !skinny_cachelinesize_256

// Package opt carries build-time configuration for the lock
// implementation, selected by build tags.
package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the granularity the contended-state record is padded
// to, so records for different locks do not share a line. Without an
// explicit skinny_cachelinesize_* tag it is taken from x/sys/cpu's
// per-architecture pad type.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
