// Package mpir holds the published process-acquisition surface that an
// attaching debugger reads via symbol introspection: the process table, the
// debug state, the abort reason, and the breakpoint entry point. The layout
// of ProcDesc and the meaning of each state value are fixed by the MPIR
// document and must not change.
package mpir

import "sync"

// ProcDesc describes one rank of the job. Field order matches the MPIR
// process descriptor layout (host name, executable name, pid) and must not
// be reordered or extended.
type ProcDesc struct {
	HostName       string
	ExecutableName string
	PID            int
}

// DebugState is the job state the debugger reads when the breakpoint fires.
type DebugState int

const (
	// StateNull means no table has been published; the debugger should
	// continue the starter process.
	StateNull DebugState = 0
	// StateSpawned means the process table is populated and may be read.
	StateSpawned DebugState = 1
	// StateAborting means the job aborted; the abort reason explains why.
	StateAborting DebugState = 2
)

func (s DebugState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateSpawned:
		return "spawned"
	case StateAborting:
		return "aborting"
	}
	return "unknown"
}

// The introspection symbols. The debugger locates these by name; they are
// deliberately package-level. All writes go through the functions below.
var (
	// BeingDebugged is set while a launcher is under our control.
	BeingDebugged bool

	// Proctable is the published process descriptor table, indexed by
	// rank. Nil until a table has been published.
	Proctable []ProcDesc

	// ProctableSize is the number of entries in Proctable.
	ProctableSize int

	// State is the current debug state.
	State DebugState

	// AbortReason is the human-readable reason for an abort. Set at most
	// once; later aborts keep the first reason.
	AbortReason string
)

// Marker symbols the MPIR document lets a starter expose. Their presence is
// the signal; the values are never read.
var (
	IAmStarter      int
	ForceToMain     int
	PartialAttachOK int
	IgnoreQueues    int
)

// BreakpointHook, when non-nil, is invoked from Breakpoint. Test programs
// install a hook to observe the publish instant; a real debugger instead
// traps the function itself.
var BreakpointHook func()

var mu sync.Mutex

// Breakpoint is the entry point the debugger traps. The table and state are
// valid by the time it is called.
func Breakpoint() {
	mu.Lock()
	hook := BreakpointHook
	mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Publish installs a fully built process table and moves the state to
// spawned. The table must be complete before this call; partially built
// tables are never exposed. Publishing does not overwrite an abort already
// in progress.
func Publish(table []ProcDesc) {
	mu.Lock()
	defer mu.Unlock()
	Proctable = table
	ProctableSize = len(table)
	if State == StateNull {
		State = StateSpawned
	}
}

// Abort records the terminal abort state. The first reason wins; subsequent
// calls only ensure the state is aborting.
func Abort(reason string) {
	mu.Lock()
	defer mu.Unlock()
	State = StateAborting
	if AbortReason == "" {
		AbortReason = reason
	}
}

// SetBeingDebugged flips the being-debugged flag.
func SetBeingDebugged(v bool) {
	mu.Lock()
	defer mu.Unlock()
	BeingDebugged = v
}

// Clear releases the published table. The shutdown coordinator calls this
// exactly once per run.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	Proctable = nil
	ProctableSize = 0
}

// Snapshot returns a consistent copy of the published surface for callers
// on other goroutines (the notification handlers read state while the
// foreground thread publishes).
func Snapshot() (table []ProcDesc, state DebugState, reason string) {
	mu.Lock()
	defer mu.Unlock()
	return Proctable, State, AbortReason
}

// Reset restores the pristine surface. Test support only; a production run
// publishes at most one table.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	BeingDebugged = false
	Proctable = nil
	ProctableSize = 0
	State = StateNull
	AbortReason = ""
	BreakpointHook = nil
}
