// Package numa spreads cache regions across memory nodes.
package numa

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const sysfsNodePath = "/sys/devices/system/node"

// Topology is the set of memory nodes visible through sysfs.
type Topology struct {
	nodes    []int
	nodeCPUs map[int][]int
}

func (t *Topology) NumNodes() int { return len(t.nodes) }

// Nodes returns node ids in ascending order.
func (t *Topology) Nodes() []int { return append([]int(nil), t.nodes...) }

func (t *Topology) NodeCPUs(node int) []int { return t.nodeCPUs[node] }

func (t *Topology) HasNode(node int) bool {
	_, ok := t.nodeCPUs[node]
	return ok
}

// DetectTopology reads the NUMA topology from sysfs.
func DetectTopology() (*Topology, error) {
	return detectTopology(sysfsNodePath)
}

func detectTopology(root string) (*Topology, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("NUMA sysfs not available")
		}
		return nil, fmt.Errorf("failed to read NUMA sysfs: %w", err)
	}
	topo := &Topology{nodeCPUs: make(map[int][]int)}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "node"))
		if err != nil {
			continue
		}
		topo.nodes = append(topo.nodes, id)
		topo.nodeCPUs[id] = nil
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "cpulist"))
		if err != nil {
			continue
		}
		topo.nodeCPUs[id] = ParseCPUList(strings.TrimSpace(string(data)))
	}
	if len(topo.nodes) == 0 {
		return nil, errors.New("no NUMA nodes found")
	}
	sort.Ints(topo.nodes)
	return topo, nil
}

// ParseCPUList parses the kernel list format, e.g. "0-3,8,10-11".
// Malformed parts are skipped.
func ParseCPUList(cpuList string) []int {
	var cpus []int
	if cpuList == "" {
		return cpus
	}
	for _, part := range strings.Split(cpuList, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for i := start; i <= end; i++ {
				cpus = append(cpus, i)
			}
			continue
		}
		cpu, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		cpus = append(cpus, cpu)
	}
	return cpus
}
