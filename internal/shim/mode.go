package shim

import "path/filepath"

// Mode selects the invocation style: spawn our own launcher-and-server
// pair, drive a launcher that talks to a persistent system server, or
// attach to an already-running launcher by pid. Selected once, immutable.
type Mode int

const (
	// ModeProxy spawns a launcher that brings up its own server and
	// rendezvous artifacts.
	ModeProxy Mode = iota
	// ModeNonProxy spawns a launcher that connects to a persistent
	// system-wide server.
	ModeNonProxy
	// ModeAttach connects to a running launcher by pid.
	ModeAttach
)

func (m Mode) String() string {
	switch m {
	case ModeProxy:
		return "proxy"
	case ModeNonProxy:
		return "non-proxy"
	case ModeAttach:
		return "attach"
	}
	return "unknown"
}

// DetectMode picks proxy or non-proxy from the launcher binary's basename:
// "prun" drives a persistent server, anything else is a proxy run.
func DetectMode(launcher string) Mode {
	if filepath.Base(launcher) == "prun" {
		return ModeNonProxy
	}
	return ModeProxy
}
