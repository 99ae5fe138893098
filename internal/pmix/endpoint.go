package pmix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Servers advertise their endpoint as a one-line ws:// URI in a contact
// file. A launcher started by us writes the file we name for it; a
// system-wide server and an attach target write files at well-known paths
// under the temp directory.

// ServerContactFile returns the contact file path for the server run by the
// process with the given pid.
func ServerContactFile(tmpDir string, pid int) string {
	return filepath.Join(tmpDir, fmt.Sprintf("pmix-server.%d.uri", pid))
}

// SystemContactFile returns the contact file path of the system-wide
// server instance.
func SystemContactFile(tmpDir string) string {
	return filepath.Join(tmpDir, "pmix-server.system.uri")
}

// ReadContactFile reads and validates a server contact file.
func ReadContactFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading contact file: %w", err)
	}
	uri := strings.TrimSpace(string(data))
	if !strings.HasPrefix(uri, "ws://") && !strings.HasPrefix(uri, "wss://") {
		return "", fmt.Errorf("contact file %s does not contain a server URI", path)
	}
	return uri, nil
}

// WaitContactFile polls for a contact file until it appears and parses, or
// the timeout elapses. A freshly spawned launcher writes its rendezvous
// file only once its embedded server is listening, so the poll doubles as
// the readiness wait for the endpoint itself.
func WaitContactFile(path string, timeout, interval time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		uri, err := ReadContactFile(path)
		if err == nil {
			return uri, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("contact file %s not available after %s: %w", path, timeout, err)
		}
		time.Sleep(interval)
	}
}

// ValidateAttachTarget confirms the attach-mode target pid names a live
// process and returns its executable path for diagnostics.
func ValidateAttachTarget(pid int) (string, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return "", fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !exists {
		return "", fmt.Errorf("no running process with pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("inspecting pid %d: %w", pid, err)
	}
	exe, err := proc.Exe()
	if err != nil {
		// Executable path can be unreadable across users; the name is
		// enough for diagnostics.
		if name, nameErr := proc.Name(); nameErr == nil {
			return name, nil
		}
		return "", fmt.Errorf("resolving executable of pid %d: %w", pid, err)
	}
	return exe, nil
}
