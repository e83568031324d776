// Package monitor implements the pluggable observer that the Server
// notifies on every connection register/remove event and runs on its own
// periodic loop: Monitor, and the reference MemoryMonitor policy built on
// top of it.
//
// The Cluster interface generalizes a familiar add/remove/check lifecycle
// around a set of provisioned entities to a different collaborator with
// the same shape: a pluggable thing that tracks a set of live items (here,
// process ids rather than provisioned nodes) and is told to add, remove,
// and periodically check them.
package monitor

import (
	"context"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/connection"
)

// Monitor observes the Server's connection lifecycle and runs its own
// independent periodic loop. A faulty Monitor must never be able to abort
// registration, poison other monitors, or block the accept loop — the
// Server is responsible for isolating each call behind recover/log.
type Monitor interface {
	// Register is called once a connection has successfully completed the
	// register operation.
	Register(conn *connection.Connection)
	// Remove is called once a connection is torn down.
	Remove(conn *connection.Connection)
	// Status lets the monitor push its own intermediate frame onto a
	// "status" call.
	Status(call *callmux.Call)
	// Run executes the monitor's independent periodic loop until ctx is
	// done. It must be robust to its own errors: log and continue, never
	// exit early on a recoverable failure.
	Run(ctx context.Context)
}

// Cluster is the external collaborator a MemoryMonitor drives: whatever
// tracks per-process memory and decides when a process has violated its
// budget.
type Cluster interface {
	// Add starts tracking pid.
	Add(ctx context.Context, pid int, opts SampleOptions) error
	// Remove stops tracking pid.
	Remove(ctx context.Context, pid int) error
	// Check samples every tracked pid and invokes onOffender for each one
	// found over budget. onOffender returns true to confirm the kill,
	// telling Check it may stop tracking that pid.
	Check(ctx context.Context, onOffender func(pid int) bool) error
}

// SampleOptions configures an optional memory_sample RPC issued to an
// offending process's connections before it is killed, and is also handed
// to Cluster.Add as the per-pid tracking options (the zero value when
// sampling is not enabled).
type SampleOptions struct {
	// Duration is how long memory_sample should run before reporting.
	Duration int
	// Timeout bounds the memory_sample RPC itself.
	Timeout int
}
