package kvcache

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/quarrel-kvblocks/internal/config"
)

// Kind distinguishes the key and value region of a layer.
type Kind int

const (
	KindKey Kind = iota
	KindValue
)

func (k Kind) String() string {
	if k == KindKey {
		return "key"
	}
	return "value"
}

// Region is one layer's key or value memory, partitioned along its leading
// dimension into equal blocks. Regions handed out by a BlockStore are
// borrowed views: they must not be used after the store is freed.
type Region struct {
	layer      int
	kind       Kind
	shape      config.Shape
	dtype      arrow.FixedWidthDataType
	blockBytes int
	data       []byte
	raw        []byte // as returned by the allocator, for Free
}

func (r *Region) Layer() int { return r.layer }

func (r *Region) Kind() Kind { return r.kind }

// Shape returns a copy of the region shape.
func (r *Region) Shape() config.Shape { return r.shape.Clone() }

func (r *Region) DataType() arrow.FixedWidthDataType { return r.dtype }

// Bytes returns the whole backing buffer, block 0 first.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) NumBlocks() int { return r.shape[0] }

func (r *Region) BlockBytes() int { return r.blockBytes }

// Block returns the bytes of block id, i.e. region[id, ...].
func (r *Region) Block(id int) ([]byte, error) {
	if r.data == nil {
		return nil, ErrFreed
	}
	if id < 0 || id >= r.NumBlocks() {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidBlockID, id, r.NumBlocks())
	}
	return r.block(id), nil
}

func (r *Region) block(id int) []byte {
	off := id * r.blockBytes
	return r.data[off : off+r.blockBytes : off+r.blockBytes]
}

func (r *Region) String() string {
	return fmt.Sprintf("layer %d %s %s %s", r.layer, r.kind, r.shape, r.dtype)
}
