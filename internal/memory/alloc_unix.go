//go:build unix

package memory

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sys/unix"

	"github.com/23skdu/quarrel-kvblocks/internal/logger"
)

// PageAllocator hands out anonymous private mappings. Each buffer owns its
// own mapping, so Free returns pages to the OS immediately.
type PageAllocator struct {
	pageSize int
}

func newPageAllocator() memory.Allocator {
	return &PageAllocator{pageSize: PageSize()}
}

func (a *PageAllocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	b, err := unix.Mmap(-1, 0, AlignUp(size, a.pageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		logger.Log.Error("mmap failed", "size", size, "err", err)
		return nil
	}
	return b[:size]
}

func (a *PageAllocator) Reallocate(size int, b []byte) []byte {
	if size <= cap(b) {
		return b[:size]
	}
	nb := a.Allocate(size)
	if nb == nil {
		return nil
	}
	copy(nb, b)
	a.Free(b)
	return nb
}

func (a *PageAllocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		logger.Log.Error("munmap failed", "size", cap(b), "err", err)
	}
}
