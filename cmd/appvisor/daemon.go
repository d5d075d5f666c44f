package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/internal/config"
)

// daemonLogName is the stdout/stderr file of a spawned daemon when no
// --logfile is given.
const daemonLogName = "appvisor-daemon.log"

// Daemon runs the supervisor in the foreground until ctx is cancelled, or
// re-executes itself in the background with --daemonize.
func (c *command) Daemon(ctx context.Context, f DaemonFlags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Daemonize {
		pid, err := c.spawn(cfg, f.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
		return nil
	}

	d, err := appvisor.NewDaemon(cfg, appvisor.Options{})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// spawnDaemon starts `appvisor daemon <config>` detached from the terminal
// and returns its pid. Output goes to logFile, or to daemonLogName inside
// the configured log directory.
func spawnDaemon(cfg *config.Config, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	if logFile == "" {
		logFile = filepath.Join(cfg.Daemon.LogDir, daemonLogName)
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	// #nosec G304
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logF.Close() }()

	// #nosec G204
	cmd := exec.Command(executable, "daemon", cfg.Path)
	cmd.Dir = cfg.Dir
	cmd.Stdin = nil
	cmd.Stdout = logF
	cmd.Stderr = logF
	configureDaemonAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
