package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// ProcfsCluster is the default Cluster implementation: it tracks a set of
// pids on the local host and flags any whose resident set size exceeds a
// fixed threshold, reading /proc directly via prometheus/procfs rather
// than shelling out to a memory-reporting tool.
//
// It is a concrete, local-host-only implementation of the
// pluggable Cluster interface, tracking a set of entries in a map guarded
// by its own mutex, the same shape a local node-provisioning backend would
// take, adapted from provisioning nodes to tracking process memory.
type ProcfsCluster struct {
	log            *zap.SugaredLogger
	fs             procfs.FS
	thresholdBytes uint64

	mu      sync.Mutex
	tracked map[int]SampleOptions
}

// NewProcfsCluster constructs a ProcfsCluster that flags any tracked pid
// whose RSS exceeds thresholdBytes.
func NewProcfsCluster(log *zap.SugaredLogger, thresholdBytes uint64) (*ProcfsCluster, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &ProcfsCluster{
		log:            log.Named("procfs_cluster"),
		fs:             fs,
		thresholdBytes: thresholdBytes,
		tracked:        make(map[int]SampleOptions),
	}, nil
}

// Add starts tracking pid.
func (c *ProcfsCluster) Add(ctx context.Context, pid int, opts SampleOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[pid] = opts
	return nil
}

// Remove stops tracking pid.
func (c *ProcfsCluster) Remove(ctx context.Context, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, pid)
	return nil
}

// Check samples RSS for every tracked pid via /proc/<pid>/stat and invokes
// onOffender for each one over threshold. A pid that has already exited is
// silently dropped from tracking rather than reported as an error — its
// connections will be removed through the normal disconnect path.
func (c *ProcfsCluster) Check(ctx context.Context, onOffender func(pid int) bool) error {
	c.mu.Lock()
	pids := make([]int, 0, len(c.tracked))
	for pid := range c.tracked {
		pids = append(pids, pid)
	}
	c.mu.Unlock()

	for _, pid := range pids {
		proc, err := c.fs.Proc(pid)
		if err != nil {
			c.log.Debugw("process no longer readable, dropping", "PID", pid, "Error", err)
			c.mu.Lock()
			delete(c.tracked, pid)
			c.mu.Unlock()
			continue
		}

		stat, err := proc.Stat()
		if err != nil {
			c.log.Debugw("failed reading process stat", "PID", pid, "Error", err)
			continue
		}

		rss := uint64(stat.ResidentMemory())
		if rss <= c.thresholdBytes {
			continue
		}

		c.log.Warnw("process over memory threshold", "PID", pid, "RSSBytes", rss, "ThresholdBytes", c.thresholdBytes)
		if onOffender(pid) {
			c.mu.Lock()
			delete(c.tracked, pid)
			c.mu.Unlock()
		}
	}
	return nil
}
