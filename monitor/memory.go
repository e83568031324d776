package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/connection"
	"github.com/socketry/async-container-supervisor/frame"
)

// MemoryMonitor maps each live process-id to the set of connections
// currently attached to it (a process may hold more than one connection
// during a restart's brief overlap), and periodically asks a Cluster to
// identify offenders and, for each, optionally samples then signals it.
//
// A single mutex guards the processes map and serializes Register and
// Remove with each other, including their Cluster.Add and Cluster.Remove
// calls. The periodic check does not hold it: Cluster.Check runs unlocked,
// and the offender callback takes the mutex only to copy that pid's
// connections, so a Register or Remove can run while a check is in
// progress.
type MemoryMonitor struct {
	log      *zap.SugaredLogger
	interval time.Duration
	cluster  Cluster
	sample   *SampleOptions
	signal   unix.Signal

	mu        sync.Mutex
	processes map[int]map[*connection.Connection]struct{}
}

// Option configures a MemoryMonitor.
type Option func(*MemoryMonitor)

// WithSampling enables issuing a memory_sample RPC to an offending
// process's connections before it is signaled, and logs the report.
func WithSampling(opts SampleOptions) Option {
	return func(m *MemoryMonitor) { m.sample = &opts }
}

// WithSignal overrides the signal sent to offending processes. Default is
// SIGINT, matching the protocol's restart default.
func WithSignal(sig unix.Signal) Option {
	return func(m *MemoryMonitor) { m.signal = sig }
}

// NewMemoryMonitor constructs a MemoryMonitor that checks cluster every
// interval.
func NewMemoryMonitor(log *zap.SugaredLogger, cluster Cluster, interval time.Duration, opts ...Option) *MemoryMonitor {
	m := &MemoryMonitor{
		log:       log.Named("memory_monitor"),
		interval:  interval,
		cluster:   cluster,
		signal:    unix.SIGINT,
		processes: make(map[int]map[*connection.Connection]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func pid(conn *connection.Connection) (int, bool) {
	v, ok := conn.StateValue("process_id")
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Register adds conn to its process's connection set, starting cluster
// tracking for that process if this is its first connection. A connection
// with no process_id in its state is skipped, not an error.
func (m *MemoryMonitor) Register(conn *connection.Connection) {
	p, ok := pid(conn)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, existed := m.processes[p]
	if !existed {
		set = make(map[*connection.Connection]struct{})
		m.processes[p] = set
	}
	wasEmpty := len(set) == 0
	set[conn] = struct{}{}

	if wasEmpty {
		opts := SampleOptions{}
		if m.sample != nil {
			opts = *m.sample
		}
		if err := m.cluster.Add(context.Background(), p, opts); err != nil {
			m.log.Errorw("cluster add failed", "PID", p, "Error", err)
		}
	}
}

// Remove removes conn from its process's connection set, stopping cluster
// tracking once that process has no connections left.
func (m *MemoryMonitor) Remove(conn *connection.Connection) {
	p, ok := pid(conn)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, existed := m.processes[p]
	if !existed {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m.processes, p)
		if err := m.cluster.Remove(context.Background(), p); err != nil {
			m.log.Errorw("cluster remove failed", "PID", p, "Error", err)
		}
	}
}

// Status pushes a snapshot of the monitored process set onto call.
func (m *MemoryMonitor) Status(call *callmux.Call) {
	m.mu.Lock()
	snapshot := make(map[string]int, len(m.processes))
	for p, set := range m.processes {
		snapshot[strconv.Itoa(p)] = len(set)
	}
	m.mu.Unlock()

	call.Push(frame.Frame{"memory_monitor": map[string]any{"connections_by_pid": snapshot}})
}

// Run executes the periodic leak check until ctx is done. A Cluster.Check
// error is logged and the loop continues rather than exiting, since a
// transient failure to enumerate processes should never take the monitor
// down.
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.cluster.Check(ctx, m.handleOffender); err != nil {
			m.log.Errorw("cluster check failed", "Error", err)
		}
	}
}

func (m *MemoryMonitor) handleOffender(p int) bool {
	m.mu.Lock()
	conns := make([]*connection.Connection, 0, len(m.processes[p]))
	for c := range m.processes[p] {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if m.sample != nil {
		for _, c := range conns {
			m.sampleOne(c, p)
		}
	}

	m.log.Warnw("signaling offending process", "PID", p, "Signal", m.signal)
	if err := unix.Kill(p, m.signal); err != nil {
		m.log.Errorw("failed to signal process", "PID", p, "Error", err)
	}
	return true
}

func (m *MemoryMonitor) sampleOne(c *connection.Connection, p int) {
	ctx := context.Background()
	if m.sample.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.sample.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := c.Call(ctx, frame.Frame{"do": "memory_sample", "duration": m.sample.Duration})
	if err != nil {
		m.log.Warnw("memory_sample failed", "PID", p, "Error", err)
		return
	}
	m.log.Infow("memory_sample report", "PID", p, "Report", resp)
}
