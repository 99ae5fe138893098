package shim

import (
	"fmt"
	"os"
	"path/filepath"
)

// setupSessionDirectory creates the per-run directory holding the
// rendezvous artifacts the spawned launcher writes, and derives the
// rendezvous file path inside it. Honors the configured temp-dir override,
// then TMPDIR (which must be a directory the owner can fully access),
// then /tmp.
func (s *Session) setupSessionDirectory() error {
	base := "/tmp"
	if s.cfg.TempDir != "" {
		base = s.cfg.TempDir
	} else if envDir := os.Getenv("TMPDIR"); envDir != "" {
		fi, err := os.Stat(envDir)
		if err != nil {
			return fmt.Errorf("stat failed on TMPDIR %q: %w", envDir, err)
		}
		if fi.IsDir() && fi.Mode().Perm()&0700 == 0700 {
			base = envDir
		}
	}

	pid := os.Getpid()
	s.sessionDir = filepath.Join(base, fmt.Sprintf("%s.session.%d.%d", ToolName, os.Geteuid(), pid))
	s.rendezvousFile = filepath.Join(s.sessionDir, fmt.Sprintf("%s.rndz.%d", ToolName, pid))

	if err := os.Mkdir(s.sessionDir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	s.log.Debug("session directory created", "dir", s.sessionDir, "rendezvous", s.rendezvousFile)
	return nil
}

// removeSessionDirectory deletes the session directory and everything the
// launcher left in it. No directory exists in attach mode.
func (s *Session) removeSessionDirectory() {
	if s.sessionDir == "" {
		return
	}
	if err := os.RemoveAll(s.sessionDir); err != nil {
		s.log.Debug("removing session directory", "dir", s.sessionDir, "error", err)
	}
	s.sessionDir = ""
}

// RendezvousFile returns the rendezvous file path the spawned launcher is
// told to write. Empty outside proxy mode.
func (s *Session) RendezvousFile() string {
	return s.rendezvousFile
}
