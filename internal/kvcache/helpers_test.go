package kvcache

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-kvblocks/internal/config"
	"github.com/23skdu/quarrel-kvblocks/internal/logger"
	"github.com/23skdu/quarrel-kvblocks/internal/numa"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		NumLayers:   3,
		ElementType: arrow.FixedWidthTypes.Float16,
		KeyShape:    config.NewShape(16, 2, 4, 8),
		ValueShape:  config.NewShape(16, 2, 4, 4),
	}
}

// newTestStore builds a store on a checked allocator and verifies at cleanup
// that Free returned every byte.
func newTestStore(t *testing.T, cfg config.CacheConfig, opts ...Option) *BlockStore {
	t.Helper()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	all := append([]Option{
		WithAllocator(mem),
		WithLogger(logger.Nop()),
		WithPlacer(numa.NoopPlacer{}),
	}, opts...)
	s, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Free()
		mem.AssertSize(t, 0)
	})
	return s
}

// fillBlock writes a layer- and kind-dependent pattern into block id.
func fillBlock(t *testing.T, s *BlockStore, id int, seed byte) {
	t.Helper()
	for layer := 0; layer < s.NumLayers(); layer++ {
		for kind, get := range []func(int) (*Region, error){s.KeyRegion, s.ValueRegion} {
			r, err := get(layer)
			if err != nil {
				t.Fatal(err)
			}
			b, err := r.Block(id)
			if err != nil {
				t.Fatal(err)
			}
			for i := range b {
				b[i] = seed + byte(layer*31+kind*17+i)
			}
		}
	}
}

// snapshotBlock returns a copy of block id's bytes for every layer, keys
// first then values.
func snapshotBlock(t *testing.T, s *BlockStore, id int) [][]byte {
	t.Helper()
	var out [][]byte
	for layer := 0; layer < s.NumLayers(); layer++ {
		k, _ := s.KeyRegion(layer)
		v, _ := s.ValueRegion(layer)
		kb, err := k.Block(id)
		if err != nil {
			t.Fatal(err)
		}
		vb, err := v.Block(id)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, bytes.Clone(kb), bytes.Clone(vb))
	}
	return out
}

func equalSnapshots(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// dirtyAllocator hands out memory filled with a sentinel so tests can see
// whether the store zeroes it.
type dirtyAllocator struct {
	memory.Allocator
}

func (a dirtyAllocator) Allocate(size int) []byte {
	b := a.Allocator.Allocate(size)
	for i := range b {
		b[i] = 0xAA
	}
	return b
}

// failingAllocator succeeds okAllocs times, then returns nil or panics.
type failingAllocator struct {
	memory.Allocator
	okAllocs int
	panics   bool
}

func (a *failingAllocator) Allocate(size int) []byte {
	if a.okAllocs == 0 {
		if a.panics {
			panic("out of memory")
		}
		return nil
	}
	a.okAllocs--
	return a.Allocator.Allocate(size)
}

type bindCall struct {
	addr   uintptr
	length int
	node   int
}

type recordingPlacer struct {
	calls []bindCall
	err   error
}

func (p *recordingPlacer) Bind(addr uintptr, length int, node int) error {
	p.calls = append(p.calls, bindCall{addr, length, node})
	return p.err
}
