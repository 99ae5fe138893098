package shim

import "github.com/hpc/mpir-to-pmix-guide/internal/mpir"

// Shutdown is the single teardown path. Normal exit, the deferred exit
// hook, and the signal handler all converge here; the sequence runs at
// most once per session: finalize the tool session, remove the session
// directory, release the published table, clear the being-debugged flag.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Finalize()
		if s.mode != ModeAttach {
			s.removeSessionDirectory()
		}
		mpir.Clear()
		mpir.SetBeingDebugged(false)
	})
}
