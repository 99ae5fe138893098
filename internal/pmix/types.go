// Package pmix is the client side of the session service's tool API: spawn,
// query, attribute get, scoped event registration with asynchronous
// completion, and event notification, all carried as JSON envelopes over a
// single WebSocket connection. The service delivers notifications on the
// client's read-loop goroutine; everything else is synchronous
// request/reply correlated by id.
package pmix

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome code carried on every reply.
type Status string

const (
	StatusOK             Status = "ok"
	StatusError          Status = "error"
	StatusUnreachable    Status = "unreachable"
	StatusLostConnection Status = "lost-connection"
)

// OK reports whether the status means success.
func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string { return string(s) }

// Event kinds the service notifies or accepts.
const (
	EventLauncherReady   = "launcher-ready"
	EventLaunchComplete  = "launch-complete"
	EventJobTerminated   = "job-terminated"
	EventLaunchDirective = "launch-directive"
	EventDebuggerRelease = "debugger-release"
	EventLostConnection  = "lost-connection"
)

// Attribute and qualifier keys.
const (
	KeyNamespace       = "nspace"
	KeyRank            = "rank"
	KeyExitCode        = "exit-code"
	KeyJobTermStatus   = "job-term-status"
	KeyAffectedProc    = "affected-proc"
	KeyServerNamespace = "server-nspace"
	KeyServerRank      = "server-rank"
	KeyEventRange      = "event-range"
	KeyNonDefault      = "non-default"
	KeyHandlerName     = "handler-name"
	KeyMapBy           = "map-by"
	KeyForwardStdout   = "fwd-stdout"
	KeyForwardStderr   = "fwd-stderr"
	KeyNotifyComplete  = "notify-completion"
	KeySpawnTool       = "spawn-tool"
	KeyStopInInit      = "stop-in-init"
	KeyNotifyLaunch    = "notify-launch"
	KeyJobDirectives   = "job-directives"
	KeySetEnvar        = "set-envar"
)

// Query keys.
const (
	QueryNamespaces = "namespaces"
	QueryProcTable  = "proc-table"
)

// Notification delivery ranges.
const (
	RangeCustom = "custom"
)

// RankWildcard addresses every rank in a namespace.
const RankWildcard int32 = -1

// Proc identifies one process (or, with RankWildcard, all processes) within
// a namespace.
type Proc struct {
	Namespace string `json:"nspace"`
	Rank      int32  `json:"rank"`
}

func (p Proc) String() string {
	if p.Rank == RankWildcard {
		return p.Namespace + ":*"
	}
	return fmt.Sprintf("%s:%d", p.Namespace, p.Rank)
}

// Value type tags.
const (
	TypeString        = "string"
	TypeInt           = "int"
	TypeBool          = "bool"
	TypeProc          = "proc"
	TypeProcInfoArray = "proc-info-array"
	TypeInfoArray     = "info-array"
	TypeEnvar         = "envar"
)

// Value is a typed wire value. Consumers check Type before decoding so a
// malformed or mistyped reply is detected rather than silently accepted.
type Value struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AsString decodes a string value.
func (v Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value has type %q, want %q", v.Type, TypeString)
	}
	var s string
	if err := json.Unmarshal(v.Data, &s); err != nil {
		return "", fmt.Errorf("decoding string value: %w", err)
	}
	return s, nil
}

// AsInt decodes an integer value.
func (v Value) AsInt() (int, error) {
	if v.Type != TypeInt {
		return 0, fmt.Errorf("value has type %q, want %q", v.Type, TypeInt)
	}
	var n int
	if err := json.Unmarshal(v.Data, &n); err != nil {
		return 0, fmt.Errorf("decoding int value: %w", err)
	}
	return n, nil
}

// AsProc decodes a process identity value.
func (v Value) AsProc() (Proc, error) {
	if v.Type != TypeProc {
		return Proc{}, fmt.Errorf("value has type %q, want %q", v.Type, TypeProc)
	}
	var p Proc
	if err := json.Unmarshal(v.Data, &p); err != nil {
		return Proc{}, fmt.Errorf("decoding proc value: %w", err)
	}
	return p, nil
}

// AsProcInfoArray decodes a process descriptor array value.
func (v Value) AsProcInfoArray() ([]ProcInfo, error) {
	if v.Type != TypeProcInfoArray {
		return nil, fmt.Errorf("value has type %q, want %q", v.Type, TypeProcInfoArray)
	}
	var infos []ProcInfo
	if err := json.Unmarshal(v.Data, &infos); err != nil {
		return nil, fmt.Errorf("decoding proc-info array: %w", err)
	}
	return infos, nil
}

// Info is a keyed value, the service's universal attribute carrier.
type Info struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable inputs, which the typed
		// constructors below never produce.
		panic(fmt.Sprintf("pmix: marshaling %T: %v", v, err))
	}
	return data
}

// StringInfo builds a string-typed attribute.
func StringInfo(key, value string) Info {
	return Info{Key: key, Value: Value{Type: TypeString, Data: mustRaw(value)}}
}

// IntInfo builds an integer-typed attribute.
func IntInfo(key string, value int) Info {
	return Info{Key: key, Value: Value{Type: TypeInt, Data: mustRaw(value)}}
}

// BoolInfo builds a boolean-typed attribute.
func BoolInfo(key string, value bool) Info {
	return Info{Key: key, Value: Value{Type: TypeBool, Data: mustRaw(value)}}
}

// ProcInfoAttr builds a process-identity attribute.
func ProcInfoAttr(key string, p Proc) Info {
	return Info{Key: key, Value: Value{Type: TypeProc, Data: mustRaw(p)}}
}

// InfoArray builds a nested attribute list (job-level directive blocks).
func InfoArray(key string, infos []Info) Info {
	return Info{Key: key, Value: Value{Type: TypeInfoArray, Data: mustRaw(infos)}}
}

// Envar builds a set-environment-variable directive.
func Envar(key, name, value string) Info {
	return Info{Key: key, Value: Value{Type: TypeEnvar, Data: mustRaw(map[string]string{
		"name":  name,
		"value": value,
	})}}
}

// FindInfo returns the last attribute with the given key, or false.
func FindInfo(infos []Info, key string) (Info, bool) {
	found := Info{}
	ok := false
	for _, in := range infos {
		if in.Key == key {
			found = in
			ok = true
		}
	}
	return found, ok
}

// ProcInfo is one entry of a queried process table.
type ProcInfo struct {
	Proc       Proc   `json:"proc"`
	Hostname   string `json:"hostname"`
	Executable string `json:"executable"`
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exit_code"`
	State      string `json:"state"`
}

// Query names the keys to resolve plus qualifiers scoping the lookup.
type Query struct {
	Keys       []string `json:"keys"`
	Qualifiers []Info   `json:"qualifiers,omitempty"`
}

// App describes one process for the service (or the local spawner) to
// start.
type App struct {
	Cmd      string   `json:"cmd"`
	Argv     []string `json:"argv"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd"`
	MaxProcs int      `json:"maxprocs"`
}

// Notification is a server-push event delivered to the registered sink.
type Notification struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Source  *Proc  `json:"source,omitempty"`
	Info    []Info `json:"info,omitempty"`
}
