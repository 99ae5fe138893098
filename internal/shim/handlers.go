package shim

import (
	"fmt"
	"os"

	"github.com/hpc/mpir-to-pmix-guide/internal/mpir"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// Notification handlers. All of these run on the service client's
// read-loop goroutine; they record results into the session, post
// conditions, and return. The registry acknowledges the handler chain
// after each one.

// registerDefaultHandler installs the catch-all handler for events no
// scoped subscription claims, including connection loss.
func (s *Session) registerDefaultHandler() error {
	_, err := s.reg.Subscribe(nil, nil, "default", s.defaultHandler)
	return err
}

// defaultHandler tolerates exactly one lost connection while the proxy
// dual-connection window holds more than one session open; any other loss
// is fatal and exits immediately without full cleanup, because unwinding
// through the service from inside a callback can deadlock.
func (s *Session) defaultHandler(n pmix.Notification) {
	if n.Event != pmix.EventLostConnection {
		s.log.Debug("unhandled notification", "event", n.Event)
		return
	}

	s.mu.Lock()
	count := s.sessionCount
	if count > 1 {
		s.sessionCount--
	}
	s.mu.Unlock()

	fmt.Fprintf(os.Stderr, "Connection to application being debugged was lost. (sessions %d)\n", count)
	if count <= 1 {
		s.conds.ReleaseAll()
		s.exitNow(1)
	}
}

// registerLauncherTerminateHandler subscribes to job termination scoped to
// the launcher. Only valid once connected to the launcher's server.
func (s *Session) registerLauncherTerminateHandler() error {
	launcher := s.LauncherProc()
	_, err := s.reg.Subscribe([]string{pmix.EventJobTerminated}, &launcher,
		"launcher-terminate", s.launcherTerminateHandler)
	return err
}

func (s *Session) launcherTerminateHandler(n pmix.Notification) {
	code := exitCodeFrom(n.Info)
	s.log.Debug("launcher terminated", "exit_code", code)

	s.mu.Lock()
	s.launcherExitCode = code
	s.mu.Unlock()

	if code != 0 {
		mpir.Abort(fmt.Sprintf("The launcher exited with return code %d", code))
	}

	// Any subsequent wait is satisfied by the termination flag; the
	// foreground thread could be parked on any condition right now.
	s.conds.Terminate()
}

// registerLauncherReadyHandler subscribes to the launcher's
// ready-for-directives event.
func (s *Session) registerLauncherReadyHandler() error {
	_, err := s.reg.Subscribe([]string{pmix.EventLauncherReady}, nil,
		"launcher-ready", s.launcherReadyHandler)
	return err
}

func (s *Session) launcherReadyHandler(n pmix.Notification) {
	s.log.Debug("launcher ready")
	s.conds.Post(CondLauncherReady)
}

// registerLaunchCompleteHandler subscribes to the launch-complete event,
// which carries the namespace of the job the launcher started.
func (s *Session) registerLaunchCompleteHandler() error {
	_, err := s.reg.Subscribe([]string{pmix.EventLaunchComplete}, nil,
		"launch-complete", s.launchCompleteHandler)
	return err
}

func (s *Session) launchCompleteHandler(n pmix.Notification) {
	// The last namespace attribute wins when several are present.
	nspace := ""
	if info, ok := pmix.FindInfo(n.Info, pmix.KeyNamespace); ok {
		if v, err := info.Value.AsString(); err == nil {
			nspace = v
		}
	}
	if nspace == "" {
		s.fatalf("launched application namespace was not returned in launch-complete notification")
		return
	}

	s.mu.Lock()
	s.appProc = pmix.Proc{Namespace: nspace, Rank: pmix.RankWildcard}
	s.mu.Unlock()
	s.log.Debug("launch complete", "nspace", nspace)
	s.conds.Post(CondLaunchComplete)
}

// registerApplicationTerminateHandler subscribes to job termination scoped
// to the application namespace. Proxy runs register it so the job's end is
// seen even when the launcher wins the shutdown race.
func (s *Session) registerApplicationTerminateHandler() error {
	app := s.AppProc()
	_, err := s.reg.Subscribe([]string{pmix.EventJobTerminated}, &app,
		"application-terminate", s.applicationTerminateHandler)
	return err
}

func (s *Session) applicationTerminateHandler(n pmix.Notification) {
	code := exitCodeFrom(n.Info)
	s.log.Debug("application terminated", "exit_code", code)

	s.mu.Lock()
	s.appExitCode = code
	s.mu.Unlock()

	if code != 0 {
		mpir.Abort(fmt.Sprintf("The application exited with return code %d", code))
	}

	s.conds.Terminate()
}

// exitCodeFrom pulls the peer's exit code out of a termination
// notification, checking both the exit-code and job-term-status keys.
func exitCodeFrom(infos []pmix.Info) int {
	for _, key := range []string{pmix.KeyExitCode, pmix.KeyJobTermStatus} {
		if info, ok := pmix.FindInfo(infos, key); ok {
			if code, err := info.Value.AsInt(); err == nil {
				return code
			}
		}
	}
	return 0
}

// fatalf reports an unrecoverable protocol failure from a notification
// callback: one diagnostic line, finalize, immediate exit.
func (s *Session) fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL ERROR: "+format+"\n", args...)
	s.Finalize()
	s.exitNow(1)
}
