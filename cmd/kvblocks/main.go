package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/x448/float16"

	"github.com/23skdu/quarrel-kvblocks/internal/config"
	"github.com/23skdu/quarrel-kvblocks/internal/kvcache"
	"github.com/23skdu/quarrel-kvblocks/internal/logger"
	"github.com/23skdu/quarrel-kvblocks/internal/numa"
	"github.com/23skdu/quarrel-kvblocks/internal/snapshot"
)

var (
	layers      = flag.Int("layers", 32, "Number of decoder layers")
	blocks      = flag.Int("blocks", 1024, "Blocks per region")
	kvHeads     = flag.Int("kv-heads", 8, "KV heads per block")
	blockSize   = flag.Int("block-size", 16, "Tokens per block")
	headDim     = flag.Int("head-dim", 128, "Head dimension")
	dtype       = flag.String("dtype", "f16", "Cache element type (f16, f32, f64, u8, i8)")
	numaFlag    = flag.Bool("numa", false, "Spread regions across NUMA nodes (also enabled by KV_NUMA)")
	numaNodes   = flag.String("numa-nodes", "", "Comma separated target nodes (default 0,1 or KV_NUMA_NODES)")
	forks       = flag.Int("forks", 256, "Number of fork copy plans to run")
	fanout      = flag.Int("fanout", 4, "Destinations per fork")
	seed        = flag.Uint64("seed", 1, "Workload seed")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, e.g. :9090")
	offloadHost = flag.String("offload", "", "Flight host to push a snapshot of forked blocks to")
	offloadPort = flag.Int("offload-port", snapshot.DefaultPort, "Flight port for -offload")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg, err := buildConfig()
	if err != nil {
		logger.Log.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("Metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("Metrics server error", "err", err)
			}
		}()
	}

	if cfg.NUMA.Enabled {
		checkTopology(cfg.NUMA.Nodes)
	}

	start := time.Now()
	store, err := kvcache.New(cfg)
	if err != nil {
		logger.Log.Error("Failed to allocate KV cache", "err", err)
		os.Exit(1)
	}
	defer store.Free()
	logger.Log.Info("KV cache ready", "elapsed", time.Since(start).String(), "warnings", len(store.PlacementWarnings()))

	forked, err := runForks(store, *forks, *fanout, *seed)
	if err != nil {
		logger.Log.Error("Fork workload failed", "err", err)
		os.Exit(1)
	}

	if *offloadHost != "" {
		if err := offload(store, forked); err != nil {
			logger.Log.Error("Offload failed", "err", err)
			os.Exit(1)
		}
	}
}

func buildConfig() (config.CacheConfig, error) {
	et, err := config.ParseElementType(*dtype)
	if err != nil {
		return config.CacheConfig{}, err
	}
	cfg := config.Default()
	cfg.NumLayers = *layers
	cfg.ElementType = et
	cfg.KeyShape = config.NewShape(*blocks, *kvHeads, *blockSize, *headDim)
	cfg.ValueShape = config.NewShape(*blocks, *kvHeads, *blockSize, *headDim)

	if err := config.NUMAFromEnv(&cfg.NUMA); err != nil {
		return cfg, err
	}
	if *numaFlag {
		cfg.NUMA.Enabled = true
	}
	if *numaNodes != "" {
		nodes, err := config.ParseNodeList(*numaNodes)
		if err != nil {
			return cfg, fmt.Errorf("-numa-nodes: %w", err)
		}
		cfg.NUMA.Nodes = nodes
	}
	return cfg, cfg.Validate()
}

func checkTopology(nodes []int) {
	topo, err := numa.DetectTopology()
	if err != nil {
		logger.Log.Warn("NUMA topology unavailable, placement will likely fail", "err", err)
		return
	}
	reportTopology(topo, nodes)
}

// reportTopology logs the CPUs behind each target node and returns the
// targets sysfs does not know about.
func reportTopology(topo *numa.Topology, nodes []int) []int {
	logger.Log.Info("NUMA topology", "nodes", topo.NumNodes())
	var missing []int
	for _, n := range nodes {
		if !topo.HasNode(n) {
			logger.Log.Warn("Configured NUMA node not present", "node", n, "nodes", topo.Nodes())
			missing = append(missing, n)
			continue
		}
		logger.Log.Debug("NUMA target node", "node", n, "cpus", len(topo.NodeCPUs(n)))
	}
	return missing
}

// runForks plays the scheduler: each step forks one source block into fanout
// fresh blocks, then checks the copies byte for byte. It returns the ids of
// every destination written.
func runForks(store *kvcache.BlockStore, steps, fanout int, seed uint64) ([]int, error) {
	n := store.NumBlocks()
	if fanout < 1 || fanout >= n {
		return nil, fmt.Errorf("fanout %d must be in [1, %d)", fanout, n)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var forked []int
	var moved int64
	start := time.Now()
	for step := 0; step < steps; step++ {
		src := rng.IntN(n)
		if err := writeActivations(store, src, rng); err != nil {
			return nil, err
		}

		dsts := make([]int, 0, fanout)
		for len(dsts) < fanout {
			if d := rng.IntN(n); d != src {
				dsts = append(dsts, d)
			}
		}
		if err := store.CopyBlocks(kvcache.CopyPlan{src: dsts}); err != nil {
			return nil, err
		}
		if err := verifyFork(store, src, dsts); err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		forked = append(forked, dsts...)
		moved += int64(len(dsts)) * blockSetBytes(store)
	}

	elapsed := time.Since(start)
	logger.Log.Info("Fork workload complete",
		"steps", steps,
		"fanout", fanout,
		"bytes", moved,
		"elapsed", elapsed.String(),
		"gib_per_s", float64(moved)/elapsed.Seconds()/(1<<30))
	return forked, nil
}

func blockSetBytes(store *kvcache.BlockStore) int64 {
	cfg := store.Config()
	return int64(cfg.NumLayers) * int64(cfg.KeyBlockBytes()+cfg.ValueBlockBytes())
}

// writeActivations stands in for attention writing a block: float16 caches
// get real half-precision values, other types get random bytes.
func writeActivations(store *kvcache.BlockStore, id int, rng *rand.Rand) error {
	for layer := 0; layer < store.NumLayers(); layer++ {
		for _, get := range []func(int) (*kvcache.Region, error){store.KeyRegion, store.ValueRegion} {
			r, err := get(layer)
			if err != nil {
				return err
			}
			b, err := r.Block(id)
			if err != nil {
				return err
			}
			if r.DataType().BitWidth() == 16 {
				for i := 0; i+1 < len(b); i += 2 {
					h := float16.Fromfloat32(float32(rng.NormFloat64()))
					binary.LittleEndian.PutUint16(b[i:], h.Bits())
				}
				continue
			}
			for i := range b {
				b[i] = byte(rng.UintN(256))
			}
		}
	}
	return nil
}

func verifyFork(store *kvcache.BlockStore, src int, dsts []int) error {
	for layer := 0; layer < store.NumLayers(); layer++ {
		k, _ := store.KeyRegion(layer)
		v, _ := store.ValueRegion(layer)
		for _, r := range []*kvcache.Region{k, v} {
			want, _ := r.Block(src)
			for _, d := range dsts {
				got, _ := r.Block(d)
				if string(got) != string(want) {
					return fmt.Errorf("%s block %d differs from source %d", r, d, src)
				}
			}
		}
	}
	return nil
}

func offload(store *kvcache.BlockStore, forked []int) error {
	ids := uniqueIDs(forked)
	if len(ids) == 0 {
		return errors.New("nothing forked")
	}
	rec, err := snapshot.Build(memory.DefaultAllocator, store, ids)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := snapshot.NewFlightClient(*offloadHost, *offloadPort)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.DoPut(ctx, rec); err != nil {
		return err
	}
	logger.Log.Info("Snapshot offloaded", "addr", client.Addr(), "blocks", len(ids), "rows", rec.NumRows())
	return nil
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	var out []int
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
