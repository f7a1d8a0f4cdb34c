// Package kvcache owns the physical key/value memory of every decoder layer
// and exposes it as fixed-size blocks addressed by integer id.
//
// A BlockStore is not safe for concurrent use. The scheduler that owns it
// must serialize CopyBlocks against other CopyBlocks calls and against model
// execution touching the same blocks. Overlapping CopyBlocks calls are
// detected and rejected with ErrConcurrentCopy; other races are not.
package kvcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-kvblocks/internal/config"
	"github.com/23skdu/quarrel-kvblocks/internal/logger"
	kvmem "github.com/23skdu/quarrel-kvblocks/internal/memory"
	"github.com/23skdu/quarrel-kvblocks/internal/metrics"
	"github.com/23skdu/quarrel-kvblocks/internal/numa"
)

type options struct {
	mem    memory.Allocator
	placer numa.Placer
	log    *logger.Logger
}

// Option configures a BlockStore built by New.
type Option func(*options)

// WithAllocator sets the allocator regions are reserved from. NUMA placement
// expects page-aligned buffers, which the default page allocator provides.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

// WithPlacer overrides the platform memory placer.
func WithPlacer(p numa.Placer) Option {
	return func(o *options) { o.placer = p }
}

// WithLogger replaces the package logger for this store.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// BlockStore holds one key region and one value region per layer. Block id b
// names the same slot in every region.
type BlockStore struct {
	cfg    config.CacheConfig
	mem    memory.Allocator
	placer numa.Placer
	log    *logger.Logger

	keys   []*Region
	values []*Region

	placementWarnings []error

	copying atomic.Bool
	freed   bool
}

// New allocates and zero-fills every region described by cfg, then spreads
// each region across cfg.NUMA.Nodes when placement is enabled. Either the
// whole store is built or nothing stays allocated.
func New(cfg config.CacheConfig, opts ...Option) (*BlockStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	o := options{
		mem:    kvmem.NewPageAllocator(),
		placer: numa.NewPlacer(),
		log:    logger.Log,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.KeyShape = cfg.KeyShape.Clone()
	cfg.ValueShape = cfg.ValueShape.Clone()
	cfg.NUMA.Nodes = append([]int(nil), cfg.NUMA.Nodes...)

	s := &BlockStore{
		cfg:    cfg,
		mem:    o.mem,
		placer: meteredPlacer{o.placer},
		log:    o.log.With("component", "kvcache"),
		keys:   make([]*Region, 0, cfg.NumLayers),
		values: make([]*Region, 0, cfg.NumLayers),
	}

	for layer := 0; layer < cfg.NumLayers; layer++ {
		k, err := s.allocRegion(layer, KindKey, cfg.KeyShape, cfg.KeyBlockBytes())
		if err != nil {
			s.release()
			metrics.RecordAllocationFailure()
			return nil, err
		}
		s.keys = append(s.keys, k)

		v, err := s.allocRegion(layer, KindValue, cfg.ValueShape, cfg.ValueBlockBytes())
		if err != nil {
			s.release()
			metrics.RecordAllocationFailure()
			return nil, err
		}
		s.values = append(s.values, v)
	}

	metrics.RecordKVCacheStats(cfg.TotalBytes(), 2*cfg.NumLayers, cfg.NumBlocks())
	s.log.Info("KV cache allocated",
		"layers", cfg.NumLayers,
		"blocks", cfg.NumBlocks(),
		"dtype", cfg.ElementType.String(),
		"key_shape", cfg.KeyShape.String(),
		"value_shape", cfg.ValueShape.String(),
		"bytes", cfg.TotalBytes(),
		"numa", cfg.NUMA.Enabled,
		"placement_warnings", len(s.placementWarnings))
	return s, nil
}

func (s *BlockStore) allocRegion(layer int, kind Kind, shape config.Shape, blockBytes int) (*Region, error) {
	size := shape[0] * blockBytes
	raw, err := s.allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s region for layer %d (%d bytes): %v", ErrAllocation, kind, layer, size, err)
	}

	r := &Region{
		layer:      layer,
		kind:       kind,
		shape:      shape,
		dtype:      s.cfg.ElementType,
		blockBytes: blockBytes,
		data:       raw[:size:size],
		raw:        raw,
	}
	// Touch every page so placement below migrates real pages.
	clear(r.data)

	if s.cfg.NUMA.Enabled {
		s.place(r)
	}
	return r, nil
}

// allocate treats panics, nil and short buffers from the allocator as
// allocation failures.
func (s *BlockStore) allocate(size int) (b []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			b, err = nil, fmt.Errorf("allocator panic: %v", p)
		}
	}()
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	b = s.mem.Allocate(size)
	if len(b) < size {
		if len(b) > 0 {
			s.mem.Free(b)
		}
		return nil, errors.New("allocator returned no memory")
	}
	return b, nil
}

func (s *BlockStore) place(r *Region) {
	errs := numa.PlaceAcrossNodes(r.data, s.placer, s.cfg.NUMA.Nodes)
	for _, err := range errs {
		s.log.Warn("NUMA placement failed, region keeps default policy", "region", r.String(), "err", err)
	}
	s.placementWarnings = append(s.placementWarnings, errs...)
}

// release returns every region to the allocator.
func (s *BlockStore) release() {
	for _, rs := range [][]*Region{s.keys, s.values} {
		for _, r := range rs {
			s.mem.Free(r.raw)
			r.data, r.raw = nil, nil
		}
	}
	s.keys, s.values = nil, nil
}

// Free releases all regions. Views obtained earlier become empty. Calling Free
// more than once is a no-op.
func (s *BlockStore) Free() {
	if s.freed {
		return
	}
	s.release()
	s.freed = true
	metrics.RecordKVCacheFreed()
	s.log.Debug("KV cache freed")
}

// KeyRegion returns a borrowed view of layer's key region.
func (s *BlockStore) KeyRegion(layer int) (*Region, error) {
	return s.region(s.keys, layer)
}

// ValueRegion returns a borrowed view of layer's value region.
func (s *BlockStore) ValueRegion(layer int) (*Region, error) {
	return s.region(s.values, layer)
}

func (s *BlockStore) region(rs []*Region, layer int) (*Region, error) {
	if s.freed {
		return nil, ErrFreed
	}
	if layer < 0 || layer >= len(rs) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, layer, len(rs))
	}
	return rs[layer], nil
}

func (s *BlockStore) NumLayers() int { return s.cfg.NumLayers }

func (s *BlockStore) NumBlocks() int { return s.cfg.NumBlocks() }

// Config returns a copy of the configuration the store was built from.
func (s *BlockStore) Config() config.CacheConfig {
	c := s.cfg
	c.KeyShape = c.KeyShape.Clone()
	c.ValueShape = c.ValueShape.Clone()
	c.NUMA.Nodes = append([]int(nil), c.NUMA.Nodes...)
	return c
}

// SizeBytes is the total size of all regions.
func (s *BlockStore) SizeBytes() int64 { return s.cfg.TotalBytes() }

// PlacementWarnings lists the bind requests that failed during construction.
// Each is a *numa.PlacementError.
func (s *BlockStore) PlacementWarnings() []error {
	return append([]error(nil), s.placementWarnings...)
}

type meteredPlacer struct {
	numa.Placer
}

func (p meteredPlacer) Bind(addr uintptr, length int, node int) error {
	err := p.Placer.Bind(addr, length, node)
	if _, noop := p.Placer.(numa.NoopPlacer); !noop {
		metrics.RecordPlacement(node, length, err)
	}
	return err
}
