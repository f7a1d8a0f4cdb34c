//go:build !unix

package memory

import "github.com/apache/arrow-go/v18/arrow/memory"

// Without mmap, fall back to the Go heap. Buffers are 64-byte aligned only,
// which is fine because placement is a no-op on these platforms.
func newPageAllocator() memory.Allocator {
	return memory.NewGoAllocator()
}
