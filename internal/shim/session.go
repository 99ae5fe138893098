// Package shim drives a session service's asynchronous tool API to spawn
// or attach to a distributed-job launcher, mirror the job's process table
// into the published debugger surface, and coordinate shutdown of launcher
// and job. One foreground goroutine runs the launch sequence; the service
// delivers notifications on its own goroutine, bridged through the named
// condition table.
package shim

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hpc/mpir-to-pmix-guide/internal/config"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// ToolName is the namespace stem and session-directory prefix for this
// tool.
const ToolName = "mpirshim"

// Session is the one per-run context: identities, counters, subscriptions,
// and the published table's ownership all live here. Mutable fields shared
// with notification handlers are guarded by mu; identities are written
// once during the sequence and read thereafter.
type Session struct {
	cfg    *config.Config
	log    *slog.Logger
	client *pmix.Client
	conds  *Conditions
	reg    *Registry

	mode          Mode
	connectPID    int
	servicePrefix string
	runArgs       []string

	toolProc pmix.Proc

	sessionDir     string
	rendezvousFile string

	mu               sync.Mutex
	launcherProc     pmix.Proc
	appProc          pmix.Proc
	sessionCount     int
	initCount        int
	launcherExitCode int
	appExitCode      int
	published        bool

	shutdownOnce sync.Once

	// exitNow is the immediate-exit escape used from notification
	// callbacks, where unwinding through the client would deadlock.
	// Tests replace it.
	exitNow func(code int)
}

// Options carries the command-surface inputs into a session.
type Options struct {
	Mode          Mode
	ConnectPID    int    // attach mode target
	ServicePrefix string // optional service install path override
	RunArgs       []string
}

// NewSession builds a session. Initialize must be called before Run.
func NewSession(cfg *config.Config, log *slog.Logger, opts Options) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:           cfg,
		log:           log,
		mode:          opts.Mode,
		connectPID:    opts.ConnectPID,
		servicePrefix: opts.ServicePrefix,
		runArgs:       opts.RunArgs,
		exitNow:       os.Exit,
	}
	s.client = pmix.NewClient(log)
	s.conds = NewConditions(log)
	s.reg = NewRegistry(log, s.client, s.conds)
	s.client.SetSink(s.reg.Dispatch)
	return s
}

// Mode returns the selected launch mode.
func (s *Session) Mode() Mode { return s.mode }

// Client exposes the service client for test wiring (spawn recording).
func (s *Session) Client() *pmix.Client { return s.client }

// Initialize derives the tool identity and performs the mode-specific
// connection setup: proxy prepares rendezvous artifacts without
// connecting, attach connects to the target pid's server, and the default
// mode prefers the system-wide server instance. Any failure is fatal to
// the run.
func (s *Session) Initialize() error {
	s.toolProc = pmix.Proc{Namespace: fmt.Sprintf("%s.%d", ToolName, os.Getpid()), Rank: 0}
	s.log.Debug("tool identity", "nspace", s.toolProc.Namespace, "rank", s.toolProc.Rank, "mode", s.mode.String())
	if s.servicePrefix != "" {
		s.log.Debug("service install prefix", "prefix", s.servicePrefix)
	}

	switch s.mode {
	case ModeProxy:
		// Do not connect yet; the spawned launcher produces the
		// rendezvous artifacts we connect through later.
		if err := s.setupSessionDirectory(); err != nil {
			return err
		}
		s.mu.Lock()
		s.sessionCount = 1
		s.mu.Unlock()

	case ModeAttach:
		exe, err := pmix.ValidateAttachTarget(s.connectPID)
		if err != nil {
			return fmt.Errorf("attach target: %w", err)
		}
		s.log.Debug("attach target validated", "pid", s.connectPID, "exe", exe)
		uri, err := pmix.ReadContactFile(pmix.ServerContactFile(s.tempDir(), s.connectPID))
		if err != nil {
			return fmt.Errorf("locating server for pid %d: %w", s.connectPID, err)
		}
		if err := s.client.Connect(uri, s.cfg.Connect.MaxRetries, s.cfg.Connect.RetryDelay); err != nil {
			return err
		}
		s.mu.Lock()
		s.sessionCount = 1
		s.mu.Unlock()
		if err := s.queryLauncherIdentity(); err != nil {
			return err
		}

	default: // ModeNonProxy
		uri, err := pmix.ReadContactFile(pmix.SystemContactFile(s.tempDir()))
		if err != nil {
			return fmt.Errorf("locating system server: %w", err)
		}
		if err := s.client.Connect(uri, s.cfg.Connect.MaxRetries, s.cfg.Connect.RetryDelay); err != nil {
			return err
		}
		s.mu.Lock()
		s.sessionCount = 1
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.initCount++
	s.mu.Unlock()
	return nil
}

// SpawnLauncher builds the single-process launcher descriptor and spawns
// it. The launcher is asked to block its children at earliest
// initialization, forward stdout/stderr, and notify completion. Success
// means the process was created, not that it is ready.
func (s *Session) SpawnLauncher() error {
	if len(s.runArgs) == 0 {
		return fmt.Errorf("no launcher command line")
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	app := pmix.App{
		Cmd:      s.runArgs[0],
		Argv:     s.runArgs,
		Cwd:      cwd,
		MaxProcs: 1,
	}

	pauseValue := fmt.Sprintf("%s:%d", s.toolProc.Namespace, s.toolProc.Rank)

	// Environment is forwarded only in proxy mode, where the launcher
	// inherits our world plus the rendezvous coordinates.
	if s.mode == ModeProxy && s.cfg.Spawn.ForwardEnv {
		env := os.Environ()
		env = append(env,
			"PMIX_SERVER_TMPDIR="+s.sessionDir,
			"PMIX_LAUNCHER_RENDEZVOUS_FILE="+s.rendezvousFile,
			"PMIX_LAUNCHER_PAUSE_FOR_TOOL="+pauseValue,
		)
		if s.servicePrefix != "" {
			env = append(env, "PMIX_PREFIX="+s.servicePrefix)
		}
		app.Env = env
	}

	attrs := []pmix.Info{
		pmix.StringInfo(pmix.KeyMapBy, s.cfg.Spawn.MapBy),
		pmix.BoolInfo(pmix.KeyForwardStdout, true),
		pmix.BoolInfo(pmix.KeyForwardStderr, true),
		pmix.BoolInfo(pmix.KeyNotifyComplete, true),
		pmix.BoolInfo(pmix.KeySpawnTool, true),
	}
	if s.mode == ModeNonProxy {
		attrs = append(attrs, pmix.Envar(pmix.KeySetEnvar, "PMIX_LAUNCHER_PAUSE_FOR_TOOL", pauseValue))
		if s.servicePrefix != "" {
			attrs = append(attrs, pmix.Envar(pmix.KeySetEnvar, "PMIX_PREFIX", s.servicePrefix))
		}
	}

	s.log.Debug("spawning launcher", "cmd", app.Cmd, "mode", s.mode.String())
	nspace, err := s.client.Spawn(attrs, app)
	if err != nil {
		return fmt.Errorf("spawning launcher: %w", err)
	}

	// Proxy fills the launcher identity in during the reconnect; here
	// the spawn reply carries it.
	if s.mode == ModeNonProxy {
		s.mu.Lock()
		s.launcherProc = pmix.Proc{Namespace: nspace, Rank: 0}
		s.mu.Unlock()
		s.log.Debug("launcher spawned", "nspace", nspace)
	}

	return nil
}

// ConnectToServer connects to the spawned launcher's server endpoint,
// blocking up to the configured bound. Proxy mode only: the rendezvous
// file appears once the launcher's embedded server is listening.
func (s *Session) ConnectToServer() error {
	uri, err := pmix.WaitContactFile(s.rendezvousFile, s.cfg.Connect.Timeout, s.cfg.Connect.RetryDelay)
	if err != nil {
		return fmt.Errorf("connecting to launcher server: %w", err)
	}
	if err := s.client.Connect(uri, s.cfg.Connect.MaxRetries, s.cfg.Connect.RetryDelay); err != nil {
		return err
	}
	if err := s.queryLauncherIdentity(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionCount++
	s.mu.Unlock()
	return nil
}

// queryLauncherIdentity resolves the connected server's namespace and rank
// into the launcher identity. Zero or malformed results are fatal.
func (s *Session) queryLauncherIdentity() error {
	nsVal, err := s.client.Get(s.toolProc, pmix.KeyServerNamespace)
	if err != nil {
		return fmt.Errorf("querying launcher namespace: %w", err)
	}
	nspace, err := nsVal.AsString()
	if err != nil || nspace == "" {
		return fmt.Errorf("launcher namespace query returned malformed result: %v", err)
	}

	rankVal, err := s.client.Get(s.toolProc, pmix.KeyServerRank)
	if err != nil {
		return fmt.Errorf("querying launcher rank: %w", err)
	}
	rank, err := rankVal.AsInt()
	if err != nil {
		return fmt.Errorf("launcher rank query returned malformed result: %v", err)
	}

	s.mu.Lock()
	s.launcherProc = pmix.Proc{Namespace: nspace, Rank: int32(rank)}
	s.mu.Unlock()
	s.log.Debug("launcher identity", "nspace", nspace, "rank", rank)
	return nil
}

// QueryApplicationNamespace asks the launcher which job namespace it
// started and records the application identity with a wildcard rank.
// Attach-mode discovery; zero or malformed results are fatal.
func (s *Session) QueryApplicationNamespace() error {
	launcher := s.LauncherProc()
	infos, err := s.client.Query([]pmix.Query{{
		Keys: []string{pmix.QueryNamespaces},
		Qualifiers: []pmix.Info{
			pmix.StringInfo(pmix.KeyNamespace, launcher.Namespace),
			pmix.IntInfo(pmix.KeyRank, int(launcher.Rank)),
		},
	}})
	if err != nil {
		return fmt.Errorf("querying application namespace: %w", err)
	}
	if len(infos) != 1 {
		return fmt.Errorf("application namespace query returned %d results, want 1", len(infos))
	}
	nspace, err := infos[0].Value.AsString()
	if err != nil || nspace == "" {
		return fmt.Errorf("application namespace query returned malformed result: %v", err)
	}

	s.mu.Lock()
	s.appProc = pmix.Proc{Namespace: nspace, Rank: pmix.RankWildcard}
	s.mu.Unlock()
	s.log.Debug("application namespace", "nspace", nspace)
	return nil
}

// SendLaunchDirectives tells the ready launcher how to launch: hold the
// job at initialization and notify us once the launch has happened.
func (s *Session) SendLaunchDirectives() error {
	directives := []pmix.Info{
		pmix.BoolInfo(pmix.KeyStopInInit, true),
		pmix.BoolInfo(pmix.KeyNotifyLaunch, true),
	}

	launcher := s.LauncherProc()
	attrs := []pmix.Info{
		pmix.ProcInfoAttr(pmix.KeyEventRange, launcher),
		pmix.BoolInfo(pmix.KeyNonDefault, true),
		pmix.InfoArray(pmix.KeyJobDirectives, directives),
	}
	if err := s.client.Notify(pmix.EventLaunchDirective, pmix.RangeCustom, attrs); err != nil {
		return fmt.Errorf("sending launch directives: %w", err)
	}
	return nil
}

// ReleaseProcs notifies the given processes that they may resume
// execution.
func (s *Session) ReleaseProcs(target pmix.Proc) error {
	attrs := []pmix.Info{
		pmix.ProcInfoAttr(pmix.KeyEventRange, target),
		pmix.BoolInfo(pmix.KeyNonDefault, true),
	}
	if err := s.client.Notify(pmix.EventDebuggerRelease, pmix.RangeCustom, attrs); err != nil {
		return fmt.Errorf("releasing %s: %w", target, err)
	}
	return nil
}

// ReleaseApplication releases the job ranks held in init. Exposed for
// breakpoint-hook harnesses that hold the job while inspecting the table.
func (s *Session) ReleaseApplication() error {
	return s.ReleaseProcs(s.AppProc())
}

// Finalize tears down the tool session. Idempotent: it decrements the init
// counter and performs the underlying shutdown only while positive, so
// calls from the signal path and the normal-exit path never double-run.
func (s *Session) Finalize() {
	s.mu.Lock()
	active := s.initCount > 0
	if active {
		s.initCount--
	}
	s.mu.Unlock()
	if active {
		s.log.Debug("finalizing tool session")
		s.client.Close()
	}
}

// LauncherProc returns the launcher identity.
func (s *Session) LauncherProc() pmix.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launcherProc
}

// AppProc returns the application identity.
func (s *Session) AppProc() pmix.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appProc
}

// LauncherExitCode returns the launcher's reported exit code (0 until a
// termination notification carries one).
func (s *Session) LauncherExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launcherExitCode
}

// AppExitCode returns the application's reported exit code.
func (s *Session) AppExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appExitCode
}

func (s *Session) tempDir() string {
	if s.cfg.TempDir != "" {
		return s.cfg.TempDir
	}
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return "/tmp"
}
