// Package memory provides the page-granular buffers backing cache regions.
package memory

import (
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PageSize returns the OS page size.
func PageSize() int {
	return os.Getpagesize()
}

// AlignUp rounds n up to a multiple of page, which must be a power of two.
func AlignUp(n, page int) int {
	return (n + page - 1) &^ (page - 1)
}

// AlignDown rounds n down to a multiple of page.
func AlignDown(n, page int) int {
	return n &^ (page - 1)
}

// NewPageAllocator returns the platform allocator for cache regions. Buffers
// it returns start on a page boundary where the platform supports mmap.
// Allocate returns nil when the mapping cannot be created.
func NewPageAllocator() memory.Allocator {
	return newPageAllocator()
}
