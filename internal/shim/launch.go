package shim

import (
	"github.com/hpc/mpir-to-pmix-guide/internal/mpir"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// Run drives the whole tool sequence for the selected mode and returns
// the process exit code. The sequence is strict: the first failure halts
// it with no retry, and the caller performs cleanup via Shutdown.
func (s *Session) Run() (int, error) {
	if err := s.Initialize(); err != nil {
		return 1, err
	}
	if s.mode == ModeAttach {
		return s.runAttach()
	}
	return s.runLaunch()
}

// runLaunch spawns the launcher and sequences it through ready, launch,
// publication, release, and termination. Handler registrations are only
// valid once connected to the launcher's server, which in proxy mode
// happens after the spawn. The ordering below must hold.
func (s *Session) runLaunch() (int, error) {
	if s.mode == ModeNonProxy {
		if err := s.registerDefaultHandler(); err != nil {
			return 1, err
		}
	}

	if err := s.SpawnLauncher(); err != nil {
		return 1, err
	}
	mpir.SetBeingDebugged(true)

	if s.mode == ModeProxy {
		if err := s.ConnectToServer(); err != nil {
			return 1, err
		}
		if err := s.registerDefaultHandler(); err != nil {
			return 1, err
		}
	}

	if err := s.registerLauncherTerminateHandler(); err != nil {
		return 1, err
	}
	if err := s.registerLauncherReadyHandler(); err != nil {
		return 1, err
	}

	// The launcher's own process is blocked at earliest initialization;
	// let it run so it can declare itself ready for directives.
	launcher := s.LauncherProc()
	if err := s.ReleaseProcs(pmix.Proc{Namespace: launcher.Namespace, Rank: 0}); err != nil {
		return 1, err
	}

	if err := s.registerLaunchCompleteHandler(); err != nil {
		return 1, err
	}

	s.log.Debug("waiting for launcher to become ready")
	s.conds.Wait(CondLauncherReady)

	if !s.conds.Terminated() {
		if err := s.SendLaunchDirectives(); err != nil {
			return 1, err
		}
		s.log.Debug("waiting for launch to complete")
		s.conds.Wait(CondLaunchComplete)
	}

	if !s.conds.Terminated() {
		if err := s.FetchAndPublish(); err != nil {
			return 1, err
		}

		// Registering the application-terminate handler before the job
		// runs closes the race between the launcher shutting down and
		// this process seeing the job's end.
		if s.mode == ModeProxy {
			if err := s.registerApplicationTerminateHandler(); err != nil {
				return 1, err
			}
		}

		if err := s.ReleaseApplication(); err != nil {
			return 1, err
		}
	}

	s.log.Debug("waiting for launcher to terminate")
	s.conds.Wait(CondLauncherTerminated)

	s.Finalize()
	return s.LauncherExitCode(), nil
}

// runAttach drives the attach sequence: the connection was made during
// Initialize, so only discovery and publication remain. No spawn, no
// ready wait, no launcher release.
func (s *Session) runAttach() (int, error) {
	mpir.SetBeingDebugged(true)

	if err := s.registerDefaultHandler(); err != nil {
		return 1, err
	}
	if err := s.QueryApplicationNamespace(); err != nil {
		return 1, err
	}
	if err := s.FetchAndPublish(); err != nil {
		return 1, err
	}

	s.Finalize()
	return 0, nil
}
