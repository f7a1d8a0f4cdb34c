// Package snapshot exports cache blocks as Arrow record batches and writes
// them back. Which blocks move, and when, is the caller's decision.
package snapshot

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-kvblocks/internal/kvcache"
)

const (
	colLayer = iota
	colBlockID
	colKey
	colValue
)

const metaElementType = "kv.element_type"

// Source is the part of a block store a snapshot reads from and restores into.
type Source interface {
	NumLayers() int
	NumBlocks() int
	KeyRegion(layer int) (*kvcache.Region, error)
	ValueRegion(layer int) (*kvcache.Region, error)
}

// Schema describes one (layer, block) row carrying the raw key and value
// block bytes.
func Schema(elementType arrow.DataType, keyBlockBytes, valueBlockBytes int) *arrow.Schema {
	md := arrow.NewMetadata([]string{metaElementType}, []string{elementType.Name()})
	return arrow.NewSchema([]arrow.Field{
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "block_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "key", Type: &arrow.FixedSizeBinaryType{ByteWidth: keyBlockBytes}},
		{Name: "value", Type: &arrow.FixedSizeBinaryType{ByteWidth: valueBlockBytes}},
	}, &md)
}

// Build copies the given blocks of every layer into a new record. Rows are
// ordered by layer, then by the order of blockIDs.
func Build(mem memory.Allocator, src Source, blockIDs []int) (arrow.Record, error) {
	for _, id := range blockIDs {
		if id < 0 || id >= src.NumBlocks() {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", kvcache.ErrInvalidBlockID, id, src.NumBlocks())
		}
	}
	k0, err := src.KeyRegion(0)
	if err != nil {
		return nil, err
	}
	v0, err := src.ValueRegion(0)
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(mem, Schema(k0.DataType(), k0.BlockBytes(), v0.BlockBytes()))
	defer b.Release()

	layers := b.Field(colLayer).(*array.Int32Builder)
	ids := b.Field(colBlockID).(*array.Int32Builder)
	keys := b.Field(colKey).(*array.FixedSizeBinaryBuilder)
	values := b.Field(colValue).(*array.FixedSizeBinaryBuilder)

	for layer := 0; layer < src.NumLayers(); layer++ {
		k, err := src.KeyRegion(layer)
		if err != nil {
			return nil, err
		}
		v, err := src.ValueRegion(layer)
		if err != nil {
			return nil, err
		}
		for _, id := range blockIDs {
			kb, err := k.Block(id)
			if err != nil {
				return nil, err
			}
			vb, err := v.Block(id)
			if err != nil {
				return nil, err
			}
			layers.Append(int32(layer))
			ids.Append(int32(id))
			keys.Append(kb)
			values.Append(vb)
		}
	}
	return b.NewRecord(), nil
}

// Restore writes every row of rec back into dst. A row for block b lands in
// remap[b] when present, otherwise in b. All rows are checked before any
// block is written.
func Restore(rec arrow.Record, dst Source, remap map[int]int) error {
	k0, err := dst.KeyRegion(0)
	if err != nil {
		return err
	}
	v0, err := dst.ValueRegion(0)
	if err != nil {
		return err
	}
	want := Schema(k0.DataType(), k0.BlockBytes(), v0.BlockBytes())
	if !rec.Schema().Equal(want) {
		return fmt.Errorf("snapshot schema %s does not match store %s", rec.Schema(), want)
	}
	if got := elementType(rec.Schema()); got != k0.DataType().Name() {
		return fmt.Errorf("snapshot element type %q does not match store %q", got, k0.DataType().Name())
	}

	layers := rec.Column(colLayer).(*array.Int32)
	ids := rec.Column(colBlockID).(*array.Int32)
	keys := rec.Column(colKey).(*array.FixedSizeBinary)
	values := rec.Column(colValue).(*array.FixedSizeBinary)

	type target struct{ k, v []byte }
	targets := make([]target, rec.NumRows())
	for i := range targets {
		layer := int(layers.Value(i))
		id := int(ids.Value(i))
		if m, ok := remap[id]; ok {
			id = m
		}
		k, err := dst.KeyRegion(layer)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		v, err := dst.ValueRegion(layer)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		kb, err := k.Block(id)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		vb, err := v.Block(id)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		targets[i] = target{kb, vb}
	}
	for i, tg := range targets {
		copy(tg.k, keys.Value(i))
		copy(tg.v, values.Value(i))
	}
	return nil
}

func elementType(sc *arrow.Schema) string {
	md := sc.Metadata()
	if i := md.FindKey(metaElementType); i >= 0 {
		return md.Values()[i]
	}
	return ""
}
