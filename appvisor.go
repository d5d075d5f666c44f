package appvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/events"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/history/factory"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/monitor"
	"github.com/loykin/appvisor/internal/process"
	iapi "github.com/loykin/appvisor/internal/server"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type Status = process.Status

type State = process.State

type Config = cfg.Config

type DaemonConfig = cfg.DaemonConfig

// Errors callers match with errors.Is.
var (
	ErrConfig        = cfg.ErrConfig
	ErrDuplicateName = cfg.ErrDuplicateName
	ErrNotFound      = manager.ErrNotFound
	ErrInvalidState  = manager.ErrInvalidState
	ErrShuttingDown  = manager.ErrShuttingDown
	ErrSpawnFailed   = process.ErrSpawnFailed
)

// LoadConfig reads and validates an ecosystem file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// RegisterMetricsDefault registers the supervisor collectors with the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// Options customise a Daemon. Zero values select production defaults.
type Options struct {
	Launcher process.Launcher
	Env      *env.Env
	// Stderr receives the daemon log when no log file is configured.
	Stderr io.Writer
	// Logger overrides the logger built from the daemon config.
	Logger *slog.Logger
}

// Daemon wires a loaded config into a running supervisor: the manager, the
// resource monitor, the history recorder and the HTTP control surface.
type Daemon struct {
	cfg *Config
	log *slog.Logger

	logCloser io.Closer
	bus       *events.Bus
	mgr       *manager.Manager
	mon       *monitor.Monitor
	recorder  *history.Recorder
	srv       *http.Server
	metrics   *http.Server
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDaemon builds every component but starts nothing.
func NewDaemon(c *Config, opts Options) (*Daemon, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	d := &Daemon{cfg: c, bus: events.New(), done: make(chan struct{})}

	d.log, d.logCloser = opts.Logger, nopCloser{}
	if d.log == nil {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		l, closer, err := logger.New(c.Daemon.Log, stderr)
		if err != nil {
			return nil, fmt.Errorf("daemon logger: %w", err)
		}
		d.log, d.logCloser = l, closer
	}
	for _, w := range c.Warnings {
		d.log.Warn("config warning", "path", c.Path, "warning", w)
	}

	d.mgr = manager.New(manager.Options{
		Launcher:       opts.Launcher,
		Env:            opts.Env,
		Bus:            d.bus,
		Logger:         d.log,
		LogQueueSize:   c.Daemon.LogQueue.Size,
		LogQueuePolicy: c.Daemon.LogQueue.Policy,
	})
	d.mon = monitor.New(d.mgr, monitor.Config{
		Interval: c.Daemon.Monitor.Interval,
		Bus:      d.bus,
		Logger:   d.log.With("component", "monitor"),
	})

	if dsn := c.Daemon.History.DSN; dsn != "" {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = d.logCloser.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		d.recorder = history.NewRecorder(sink, d.log.With("component", "history"))
	}
	return d, nil
}

// Manager exposes the supervisor for embedding.
func (d *Daemon) Manager() *manager.Manager { return d.mgr }

// Logger returns the daemon logger.
func (d *Daemon) Logger() *slog.Logger { return d.log }

// Addr is the bound control-surface address once Start returned.
func (d *Daemon) Addr() string {
	if d.srv == nil {
		return ""
	}
	return d.srv.Addr
}

// Start binds the control surface, applies the config's apps and starts the
// background loops. App start failures are logged, not returned: a failing
// app is supervised like any other.
func (d *Daemon) Start(ctx context.Context) error {
	c := d.cfg.Daemon
	if c.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if c.Metrics.Listen != "" {
			srv, err := serveMetrics(c.Metrics.Listen)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			d.metrics = srv
		}
	}

	opts := []iapi.Option{iapi.WithLogger(d.log.With("component", "http")), iapi.WithApply(d.Apply)}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		opts = append(opts, iapi.WithMetrics())
	}
	router := iapi.NewRouter(d.mgr, c.BasePath, opts...)
	srv, err := iapi.NewServer(c.Listen, router.Handler())
	if err != nil {
		d.closeMetrics()
		return fmt.Errorf("control surface: %w", err)
	}
	d.srv = srv
	if err := process.WritePIDFile(c.PIDFile, os.Getpid()); err != nil {
		d.log.Warn("failed to write pid file", "path", c.PIDFile, "error", err)
	}

	if d.recorder != nil {
		d.recorder.Attach(d.bus)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		d.mon.Run(loopCtx)
	}()

	if err := d.mgr.ApplyConfig(ctx, d.cfg.Apps); err != nil {
		d.log.Error("some apps failed to start", "error", err)
	}
	d.log.Info("appvisor started", "listen", d.srv.Addr, "base_path", c.BasePath, "apps", len(d.cfg.Apps), "pid", os.Getpid())
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		d.log.Debug("sd_notify failed", "error", err)
	} else if ok {
		d.log.Debug("notified systemd")
	}
	return nil
}

// Apply loads another ecosystem file and merges its apps into the registry.
func (d *Daemon) Apply(ctx context.Context, path string) ([]string, error) {
	c, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	for _, w := range c.Warnings {
		d.log.Warn("config warning", "path", c.Path, "warning", w)
	}
	names := make([]string, 0, len(c.Apps))
	for _, a := range c.Apps {
		names = append(names, a.Name)
	}
	d.log.Info("applying config", "path", c.Path, "apps", names)
	return names, d.mgr.ApplyConfig(ctx, c.Apps)
}

// Shutdown stops every app within the configured stop timeout, then closes
// the listeners and sinks.
func (d *Daemon) Shutdown(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	timeout := d.cfg.Daemon.StopTimeout
	if timeout <= 0 {
		timeout = cfg.DefaultStopTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.log.Info("shutting down", "timeout", timeout)
	err := d.mgr.Shutdown(sctx)
	if err != nil {
		d.log.Error("apps did not stop in time", "error", err)
	}
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.srv != nil {
		hctx, hcancel := context.WithTimeout(context.Background(), 2*time.Second)
		if serr := d.srv.Shutdown(hctx); serr != nil {
			_ = d.srv.Close()
		}
		hcancel()
	}
	d.closeMetrics()
	if d.recorder != nil {
		if cerr := d.recorder.Close(); cerr != nil {
			d.log.Warn("closing history sink", "error", cerr)
		}
	}
	if rerr := process.RemovePIDFile(d.cfg.Daemon.PIDFile); rerr != nil {
		d.log.Warn("failed to remove pid file", "error", rerr)
	}
	d.log.Info("appvisor stopped")
	_ = d.logCloser.Close()
	return err
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		_ = d.logCloser.Close()
		return err
	}
	<-ctx.Done()
	return d.Shutdown(context.Background())
}

func (d *Daemon) closeMetrics() {
	if d.metrics != nil {
		_ = d.metrics.Close()
	}
}

// serveMetrics exposes /metrics on its own listener. Unlike the control
// surface it may bind a non-loopback address for scraping.
func serveMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
