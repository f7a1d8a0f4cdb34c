package numa

import (
	"fmt"
	"unsafe"

	"github.com/23skdu/quarrel-kvblocks/internal/memory"
)

// Placer binds a page-aligned address range to a single memory node.
type Placer interface {
	Bind(addr uintptr, length int, node int) error
}

// NoopPlacer accepts every request without touching memory policy.
type NoopPlacer struct{}

func (NoopPlacer) Bind(uintptr, int, int) error { return nil }

// PlacementError reports a bind request that failed. The range stays under
// the default policy; the memory remains usable.
type PlacementError struct {
	Node   int
	Addr   uintptr
	Length int
	Err    error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("bind %d bytes at %#x to node %d: %v", e.Length, e.Addr, e.Node, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// Range is a page-aligned span of a region.
type Range struct {
	Addr   uintptr
	Length int
}

// Partition splits the pages covering [addr, addr+length) into at most n
// contiguous, non-overlapping ranges of whole pages. Leftover pages go to the
// leading ranges; ranges that would be empty are dropped.
func Partition(addr uintptr, length, pageSize, n int) []Range {
	if length <= 0 || n <= 0 || pageSize <= 0 {
		return nil
	}
	page := uintptr(pageSize)
	start := addr &^ (page - 1)
	end := (addr + uintptr(length) + page - 1) &^ (page - 1)
	pages := int((end - start) / page)

	per, rem := pages/n, pages%n
	ranges := make([]Range, 0, n)
	cur := start
	for i := 0; i < n; i++ {
		count := per
		if i < rem {
			count++
		}
		if count == 0 {
			continue
		}
		ranges = append(ranges, Range{Addr: cur, Length: count * pageSize})
		cur += uintptr(count) * page
	}
	return ranges
}

// PlaceAcrossNodes spreads buf over nodes: range i of the partition is bound
// to nodes[i]. Every range is attempted; failures come back as
// *PlacementError values and never abort the remaining binds.
func PlaceAcrossNodes(buf []byte, placer Placer, nodes []int) []error {
	if len(buf) == 0 || len(nodes) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	var errs []error
	for i, r := range Partition(addr, len(buf), memory.PageSize(), len(nodes)) {
		if err := placer.Bind(r.Addr, r.Length, nodes[i]); err != nil {
			errs = append(errs, &PlacementError{Node: nodes[i], Addr: r.Addr, Length: r.Length, Err: err})
		}
	}
	return errs
}
