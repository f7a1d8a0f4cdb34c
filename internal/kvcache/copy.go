package kvcache

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/23skdu/quarrel-kvblocks/internal/metrics"
)

// CopyPlan maps a source block id to the blocks that receive its contents.
type CopyPlan map[int][]int

// Sources returns the plan's source ids in ascending order.
func (p CopyPlan) Sources() []int {
	return slices.Sorted(maps.Keys(p))
}

// CopyBlocks duplicates each source block into each of its destinations, for
// the key and the value region of every layer. Entries run in ascending
// source order. An entry referencing an id outside [0, num_blocks) stops the
// call with ErrInvalidBlockID before any of its copies run; entries applied
// before it stay applied.
func (s *BlockStore) CopyBlocks(plan CopyPlan) error {
	if !s.copying.CompareAndSwap(false, true) {
		metrics.RecordCopyRejected("concurrent")
		return ErrConcurrentCopy
	}
	defer s.copying.Store(false)

	if s.freed {
		return ErrFreed
	}

	start := time.Now()
	perCopy := int64(s.cfg.NumLayers) * int64(s.cfg.KeyBlockBytes()+s.cfg.ValueBlockBytes())
	copies := 0
	defer func() {
		metrics.RecordCopy(copies, int64(copies)*perCopy, time.Since(start))
	}()

	for _, src := range plan.Sources() {
		dsts := plan[src]
		if err := s.checkEntry(src, dsts); err != nil {
			metrics.RecordCopyRejected("invalid_block_id")
			s.log.Debug("copy plan rejected", "src", src, "dsts", dsts, "applied", copies, "err", err)
			return err
		}
		for _, dst := range dsts {
			s.copyBlock(src, dst)
			copies++
		}
	}
	return nil
}

func (s *BlockStore) checkEntry(src int, dsts []int) error {
	n := s.NumBlocks()
	if src < 0 || src >= n {
		return fmt.Errorf("%w: source %d not in [0, %d)", ErrInvalidBlockID, src, n)
	}
	for _, dst := range dsts {
		if dst < 0 || dst >= n {
			return fmt.Errorf("%w: destination %d of source %d not in [0, %d)", ErrInvalidBlockID, dst, src, n)
		}
	}
	return nil
}

func (s *BlockStore) copyBlock(src, dst int) {
	if src == dst {
		return
	}
	for layer := range s.keys {
		k, v := s.keys[layer], s.values[layer]
		copy(k.block(dst), k.block(src))
		copy(v.block(dst), v.block(src))
	}
}
