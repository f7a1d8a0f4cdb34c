package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// MaxNUMANode bounds node ids to what fits in a single-word mbind node mask.
const MaxNUMANode = 64

// Shape is a region shape. The leading dimension is the block count; the
// trailing dimensions describe one block.
type Shape []int

// NewShape builds the conventional [num_blocks, kv_heads, block_size, head_dim] layout.
func NewShape(numBlocks, kvHeads, blockSize, headDim int) Shape {
	return Shape{numBlocks, kvHeads, blockSize, headDim}
}

// Elements returns the number of elements described by the shape.
func (s Shape) Elements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// BlockElements returns the element count of a single leading-dimension slice.
func (s Shape) BlockElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s[1:] {
		n *= d
	}
	return n
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type NUMAConfig struct {
	Enabled bool
	Nodes   []int
}

// CacheConfig describes the memory the block store materializes.
type CacheConfig struct {
	NumLayers   int
	ElementType arrow.FixedWidthDataType
	KeyShape    Shape
	ValueShape  Shape

	NUMA NUMAConfig
}

func (c *CacheConfig) Validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", c.NumLayers)
	}
	if c.ElementType == nil {
		return fmt.Errorf("missing element type")
	}
	if bw := c.ElementType.BitWidth(); bw <= 0 || bw%8 != 0 {
		return fmt.Errorf("invalid element type %s: bit width %d is not byte sized", c.ElementType, bw)
	}
	if err := validateShape("key", c.KeyShape); err != nil {
		return err
	}
	if err := validateShape("value", c.ValueShape); err != nil {
		return err
	}
	if c.KeyShape[0] != c.ValueShape[0] {
		return fmt.Errorf("block count mismatch: key %d != value %d", c.KeyShape[0], c.ValueShape[0])
	}
	if err := c.validateSize(); err != nil {
		return err
	}
	if c.NUMA.Enabled {
		if err := c.validateNUMA(); err != nil {
			return err
		}
	}
	return nil
}

func validateShape(name string, s Shape) error {
	if len(s) == 0 {
		return fmt.Errorf("invalid %s shape: empty", name)
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("invalid %s shape %s: dim %d is %d (must be positive)", name, s, i, d)
		}
	}
	return nil
}

// validateSize rejects shapes whose byte counts do not fit in an int.
func (c *CacheConfig) validateSize() error {
	eb := c.elementBytes()
	keyBytes, ok := checkedBytes(c.KeyShape, eb)
	if !ok {
		return fmt.Errorf("key shape %s of %d-byte elements overflows addressable memory", c.KeyShape, eb)
	}
	valueBytes, ok := checkedBytes(c.ValueShape, eb)
	if !ok {
		return fmt.Errorf("value shape %s of %d-byte elements overflows addressable memory", c.ValueShape, eb)
	}
	if valueBytes > math.MaxInt-keyBytes || c.NumLayers > math.MaxInt/(keyBytes+valueBytes) {
		return fmt.Errorf("%d layers of %d+%d byte regions overflow addressable memory", c.NumLayers, keyBytes, valueBytes)
	}
	return nil
}

// checkedBytes multiplies out every dim of s and the element size. Dims
// must already be positive.
func checkedBytes(s Shape, elemBytes int) (int, bool) {
	n := elemBytes
	for _, d := range s {
		if d > math.MaxInt/n {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func (c *CacheConfig) validateNUMA() error {
	if len(c.NUMA.Nodes) == 0 {
		return fmt.Errorf("numa enabled with no target nodes")
	}
	for _, n := range c.NUMA.Nodes {
		if n < 0 || n >= MaxNUMANode {
			return fmt.Errorf("invalid numa node %d (must be in [0, %d))", n, MaxNUMANode)
		}
	}
	return nil
}

func (c *CacheConfig) NumBlocks() int {
	if len(c.KeyShape) == 0 {
		return 0
	}
	return c.KeyShape[0]
}

func (c *CacheConfig) elementBytes() int {
	if c.ElementType == nil {
		return 0
	}
	return c.ElementType.BitWidth() / 8
}

func (c *CacheConfig) KeyBlockBytes() int {
	return c.KeyShape.BlockElements() * c.elementBytes()
}

func (c *CacheConfig) ValueBlockBytes() int {
	return c.ValueShape.BlockElements() * c.elementBytes()
}

func (c *CacheConfig) KeyRegionBytes() int {
	return c.KeyShape.Elements() * c.elementBytes()
}

func (c *CacheConfig) ValueRegionBytes() int {
	return c.ValueShape.Elements() * c.elementBytes()
}

// TotalBytes is the footprint of every region across all layers.
func (c *CacheConfig) TotalBytes() int64 {
	return int64(c.NumLayers) * int64(c.KeyRegionBytes()+c.ValueRegionBytes())
}

// ParseElementType maps a short precision name to its arrow type.
func ParseElementType(name string) (arrow.FixedWidthDataType, error) {
	switch strings.ToLower(name) {
	case "f16", "fp16", "float16":
		return arrow.FixedWidthTypes.Float16, nil
	case "f32", "fp32", "float32":
		return &arrow.Float32Type{}, nil
	case "f64", "fp64", "float64":
		return &arrow.Float64Type{}, nil
	case "u8", "uint8":
		return &arrow.Uint8Type{}, nil
	case "i8", "int8":
		return &arrow.Int8Type{}, nil
	}
	return nil, fmt.Errorf("unknown element type %q", name)
}

// DefaultNUMANodes are the two sockets of a dual-socket host.
func DefaultNUMANodes() []int {
	return []int{0, 1}
}

func Default() CacheConfig {
	return CacheConfig{
		NumLayers:   32,
		ElementType: arrow.FixedWidthTypes.Float16,
		KeyShape:    NewShape(1024, 8, 16, 128),
		ValueShape:  NewShape(1024, 8, 16, 128),
		NUMA: NUMAConfig{
			Enabled: false,
			Nodes:   DefaultNUMANodes(),
		},
	}
}

// NUMAFromEnv applies the operator toggle: KV_NUMA present enables placement,
// KV_NUMA_NODES overrides the comma separated target nodes.
func NUMAFromEnv(cfg *NUMAConfig) error {
	if _, ok := os.LookupEnv("KV_NUMA"); ok {
		cfg.Enabled = true
	}
	if s := strings.TrimSpace(os.Getenv("KV_NUMA_NODES")); s != "" {
		nodes, err := ParseNodeList(s)
		if err != nil {
			return fmt.Errorf("KV_NUMA_NODES: %w", err)
		}
		cfg.Nodes = nodes
	}
	return nil
}

// ParseNodeList parses "0,1" into node ids.
func ParseNodeList(s string) ([]int, error) {
	var nodes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", part, err)
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty node list")
	}
	return nodes, nil
}
