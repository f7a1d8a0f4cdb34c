package main

import (
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/quarrel-kvblocks/internal/config"
	"github.com/23skdu/quarrel-kvblocks/internal/kvcache"
	"github.com/23skdu/quarrel-kvblocks/internal/logger"
	"github.com/23skdu/quarrel-kvblocks/internal/numa"
)

func smallStore(t *testing.T, dt arrow.FixedWidthDataType) *kvcache.BlockStore {
	t.Helper()
	s, err := kvcache.New(config.CacheConfig{
		NumLayers:   2,
		ElementType: dt,
		KeyShape:    config.NewShape(32, 2, 4, 8),
		ValueShape:  config.NewShape(32, 2, 4, 8),
	},
		kvcache.WithAllocator(memory.NewGoAllocator()),
		kvcache.WithPlacer(numa.NoopPlacer{}),
		kvcache.WithLogger(logger.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Free)
	return s
}

func TestRunForks(t *testing.T) {
	logger.Log = logger.Nop()
	s := smallStore(t, arrow.FixedWidthTypes.Float16)

	forked, err := runForks(s, 20, 3, 7)
	if err != nil {
		t.Fatalf("runForks: %v", err)
	}
	if len(forked) != 60 {
		t.Errorf("forked %d destinations, want 60", len(forked))
	}
}

func TestRunForksRejectsFanout(t *testing.T) {
	s := smallStore(t, &arrow.Uint8Type{})
	if _, err := runForks(s, 1, 32, 1); err == nil {
		t.Error("expected error for fanout >= num blocks")
	}
	if _, err := runForks(s, 1, 0, 1); err == nil {
		t.Error("expected error for zero fanout")
	}
}

func TestWriteActivationsFloat16(t *testing.T) {
	s := smallStore(t, arrow.FixedWidthTypes.Float16)
	rng := rand.New(rand.NewPCG(1, 2))
	if err := writeActivations(s, 3, rng); err != nil {
		t.Fatal(err)
	}
	k, _ := s.KeyRegion(1)
	b, _ := k.Block(3)
	nonZero := 0
	for i := 0; i+1 < len(b); i += 2 {
		h := float16.Frombits(uint16(b[i]) | uint16(b[i+1])<<8)
		if h.IsNaN() || h.IsInf(0) {
			t.Fatalf("element %d is not finite: %v", i/2, h)
		}
		if h.Float32() != 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Error("no activations written")
	}
}

func TestVerifyForkDetectsMismatch(t *testing.T) {
	s := smallStore(t, &arrow.Uint8Type{})
	rng := rand.New(rand.NewPCG(3, 4))
	if err := writeActivations(s, 0, rng); err != nil {
		t.Fatal(err)
	}
	if err := verifyFork(s, 0, []int{1}); err == nil {
		t.Error("expected mismatch before copying")
	}
	if err := s.CopyBlocks(kvcache.CopyPlan{0: {1}}); err != nil {
		t.Fatal(err)
	}
	if err := verifyFork(s, 0, []int{1}); err != nil {
		t.Errorf("verifyFork after copy: %v", err)
	}
}

func TestUniqueIDs(t *testing.T) {
	if got := uniqueIDs([]int{4, 1, 4, 2, 1}); !reflect.DeepEqual(got, []int{4, 1, 2}) {
		t.Errorf("uniqueIDs = %v", got)
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	t.Setenv("KV_NUMA_NODES", "")
	cfg, err := buildConfig()
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.NumLayers != 32 || cfg.NumBlocks() != 1024 {
		t.Errorf("unexpected defaults: layers=%d blocks=%d", cfg.NumLayers, cfg.NumBlocks())
	}
}

func TestReportTopology(t *testing.T) {
	logger.Log = logger.Nop()
	topo, err := numa.DetectTopology()
	if err != nil {
		t.Skipf("no NUMA sysfs: %v", err)
	}
	present := topo.Nodes()
	if len(present) == 0 || topo.NumNodes() != len(present) {
		t.Fatalf("NumNodes = %d, Nodes = %v", topo.NumNodes(), present)
	}
	absent := config.MaxNUMANode - 1
	for topo.HasNode(absent) {
		absent--
	}

	missing := reportTopology(topo, []int{present[0], absent})
	if !reflect.DeepEqual(missing, []int{absent}) {
		t.Errorf("missing = %v, want [%d]", missing, absent)
	}
}
