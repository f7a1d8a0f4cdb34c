package numa

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/23skdu/quarrel-kvblocks/internal/memory"
)

type bindCall struct {
	addr   uintptr
	length int
	node   int
}

type recordingPlacer struct {
	calls []bindCall
	fail  map[int]error
}

func (p *recordingPlacer) Bind(addr uintptr, length int, node int) error {
	p.calls = append(p.calls, bindCall{addr, length, node})
	return p.fail[node]
}

func TestPartitionSplitsIntoDistinctHalves(t *testing.T) {
	const page = 4096
	base := uintptr(0x10000)

	ranges := Partition(base, 10*page, page, 2)
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}
	if ranges[0].Addr != base || ranges[0].Length != 5*page {
		t.Errorf("first half = %+v", ranges[0])
	}
	if ranges[1].Addr != base+5*page || ranges[1].Length != 5*page {
		t.Errorf("second half must start at the second physical half, got %+v", ranges[1])
	}
}

func TestPartitionRanges(t *testing.T) {
	const page = 4096
	tests := []struct {
		name   string
		addr   uintptr
		length int
		n      int
		want   []Range
	}{
		{"odd page count", 0x20000, 3 * page, 2, []Range{{0x20000, 2 * page}, {0x20000 + 2*page, page}}},
		{"unaligned start and end", 0x20010, 2 * page, 2, []Range{{0x20000, 2 * page}, {0x20000 + 2*page, page}}},
		{"fewer pages than nodes", 0x20000, 100, 2, []Range{{0x20000, page}}},
		{"single node", 0x20000, 4 * page, 1, []Range{{0x20000, 4 * page}}},
		{"three nodes", 0x20000, 7 * page, 3, []Range{{0x20000, 3 * page}, {0x20000 + 3*page, 2 * page}, {0x20000 + 5*page, 2 * page}}},
		{"empty", 0x20000, 0, 2, nil},
		{"no nodes", 0x20000, page, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.addr, tt.length, page, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges %+v, want %+v", len(got), got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %+v, want %+v", i, got[i], tt.want[i])
				}
				if got[i].Addr%page != 0 || got[i].Length%page != 0 {
					t.Errorf("range %d not page aligned: %+v", i, got[i])
				}
				if i > 0 && got[i].Addr != got[i-1].Addr+uintptr(got[i-1].Length) {
					t.Errorf("range %d not contiguous with %d", i, i-1)
				}
			}
		})
	}
}

func TestPlaceAcrossNodes(t *testing.T) {
	page := memory.PageSize()
	alloc := memory.NewPageAllocator()
	buf := alloc.Allocate(8 * page)
	if buf == nil {
		t.Fatal("allocation failed")
	}
	defer alloc.Free(buf)

	p := &recordingPlacer{}
	if errs := PlaceAcrossNodes(buf, p, []int{0, 1}); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(p.calls) != 2 {
		t.Fatalf("expected 2 bind calls, got %d", len(p.calls))
	}

	base := uintptr(unsafe.Pointer(&buf[0])) &^ uintptr(page-1)
	if p.calls[0].addr != base || p.calls[0].node != 0 {
		t.Errorf("first call = %+v", p.calls[0])
	}
	if p.calls[1].addr != base+uintptr(p.calls[0].length) || p.calls[1].node != 1 {
		t.Errorf("second call must target the second half, got %+v", p.calls[1])
	}
	if p.calls[0].length+p.calls[1].length < len(buf) {
		t.Error("ranges do not cover the buffer")
	}
	for _, c := range p.calls {
		if c.length == 0 {
			t.Error("zero length bind")
		}
	}
}

func TestPlaceAcrossNodesFailuresIndependent(t *testing.T) {
	buf := make([]byte, 4*memory.PageSize())
	boom := errors.New("EPERM")
	p := &recordingPlacer{fail: map[int]error{0: boom}}

	errs := PlaceAcrossNodes(buf, p, []int{0, 1})
	if len(p.calls) != 2 {
		t.Fatalf("second bind must still run, got %d calls", len(p.calls))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	var pe *PlacementError
	if !errors.As(errs[0], &pe) || pe.Node != 0 {
		t.Fatalf("expected PlacementError for node 0, got %v", errs[0])
	}
	if !errors.Is(errs[0], boom) {
		t.Error("PlacementError should unwrap to the bind error")
	}
}

func TestPlaceAcrossNodesEmpty(t *testing.T) {
	p := &recordingPlacer{}
	if errs := PlaceAcrossNodes(nil, p, []int{0, 1}); errs != nil {
		t.Errorf("unexpected errors %v", errs)
	}
	if len(p.calls) != 0 {
		t.Error("no binds expected for empty buffer")
	}
}

func TestNoopPlacer(t *testing.T) {
	if err := (NoopPlacer{}).Bind(0x1000, 4096, 7); err != nil {
		t.Errorf("NoopPlacer.Bind: %v", err)
	}
}
