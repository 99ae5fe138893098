// Command mpirshim runs or attaches to a parallel-job launcher through a
// session service, publishes the job's process table for a debugger to
// read, and holds the job at initialization until the debugger releases
// it.
//
// Usage:
//
//	mpirshim [options] launcher [launcher args...]
//	mpirshim --pid <launcher-pid>
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hpc/mpir-to-pmix-guide/internal/config"
	"github.com/hpc/mpir-to-pmix-guide/internal/shim"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("mpirshim", pflag.ContinueOnError)
	// Everything after the launcher command belongs to the launcher.
	flags.SetInterspersed(false)

	debug := flags.BoolP("debug", "d", false, "enable debug logging")
	forceProxy := flags.BoolP("force-proxy-run", "p", false, "spawn the launcher with its own server instance")
	forceNonProxy := flags.BoolP("force-non-proxy-run", "n", false, "run the launcher against the system server")
	pid := flags.IntP("pid", "c", 0, "attach to the running launcher with this pid")
	attachPID := flags.Int("attach", 0, "alias for --pid")
	prefix := flags.String("service-prefix", "", "override the service install location")
	configPath := flags.String("config", "", "path to a yaml config file")
	showVersion := flags.Bool("version", false, "print version and exit")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mpirshim [options] launcher [launcher args...]\n")
		fmt.Fprintf(os.Stderr, "       mpirshim [options] --pid <launcher-pid>\n\nOptions:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *showVersion {
		fmt.Printf("mpirshim %s\n", version)
		return 0
	}

	if *attachPID > 0 {
		*pid = *attachPID
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if *debug || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	log := slog.New(handler)

	opts := shim.Options{
		ConnectPID:    *pid,
		ServicePrefix: *prefix,
		RunArgs:       flags.Args(),
	}

	switch {
	case *pid > 0:
		if len(opts.RunArgs) > 0 {
			fmt.Fprintln(os.Stderr, "a launcher command cannot be combined with --pid")
			return 2
		}
		opts.Mode = shim.ModeAttach
	case len(opts.RunArgs) == 0:
		flags.Usage()
		return 2
	case *forceProxy && *forceNonProxy:
		fmt.Fprintln(os.Stderr, "--force-proxy-run and --force-non-proxy-run are mutually exclusive")
		return 2
	case *forceProxy:
		opts.Mode = shim.ModeProxy
	case *forceNonProxy:
		opts.Mode = shim.ModeNonProxy
	default:
		opts.Mode = shim.DetectMode(opts.RunArgs[0])
	}

	sess := shim.NewSession(cfg, log, opts)

	// The launcher and job are cleaned up by the service; our own session
	// artifacts must go regardless of how we exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Debug("caught signal", "signal", sig.String())
		sess.Shutdown()
		os.Exit(1)
	}()

	code, err := sess.Run()
	if err != nil {
		log.Error("run failed", "mode", sess.Mode().String(), "error", err)
	}
	sess.Shutdown()
	return code
}
