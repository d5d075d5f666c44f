package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/pkg/client"
	"github.com/loykin/appvisor/pkg/template"
)

// spawnWait bounds how long start waits for a freshly spawned daemon.
const spawnWait = 10 * time.Second

type command struct {
	out io.Writer
	v   *viper.Viper

	// spawn launches a detached daemon for cfg; replaced in tests.
	spawn     func(cfg *config.Config, logFile string) (int, error)
	spawnWait time.Duration
}

func newCommand(out io.Writer) *command {
	return &command{
		out:       out,
		v:         viper.New(),
		spawn:     spawnDaemon,
		spawnWait: spawnWait,
	}
}

// client returns a client for the daemon selected by --api-url or the
// environment, falling back to the default loopback address.
func (c *command) client() *client.Client {
	return c.clientFor(c.v.GetString("api_url"))
}

func (c *command) clientFor(baseURL string) *client.Client {
	return client.New(client.Config{BaseURL: baseURL, Timeout: c.v.GetDuration("api_timeout")})
}

// clientForConfig targets the daemon described by cfg unless --api-url was given.
func (c *command) clientForConfig(cfg *config.Config) *client.Client {
	if u := c.v.GetString("api_url"); u != "" {
		return c.clientFor(u)
	}
	return c.clientFor(client.BaseURL(cfg.Daemon.Listen, cfg.Daemon.BasePath))
}

// Start applies an ecosystem file or starts an app by name.
func (c *command) Start(ctx context.Context, target string) error {
	if !isConfigPath(target) {
		if err := c.client().Start(ctx, target); err != nil {
			return err
		}
		return c.printStatus(ctx, c.client(), target)
	}

	cfg, err := config.Load(target)
	if err != nil {
		return err
	}
	cl := c.clientForConfig(cfg)
	if !cl.IsReachable(ctx) {
		pid, err := c.spawn(cfg, "")
		if err != nil {
			return fmt.Errorf("failed to spawn daemon: %w", err)
		}
		_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
		if err := waitReachable(ctx, cl, c.spawnWait); err != nil {
			return err
		}
		// the daemon applied the file itself at boot
		return c.printStatus(ctx, cl, "")
	}

	names, err := cl.Apply(ctx, cfg.Path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Applied %s (%s)\n", cfg.Path, strings.Join(names, ", "))
	return c.printStatus(ctx, cl, "")
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	cl := c.client()
	if err := cl.Stop(ctx, f.Name, f.Wait); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, f.Name)
}

func (c *command) Restart(ctx context.Context, f RestartFlags) error {
	cl := c.client()
	if err := cl.Restart(ctx, f.Name, f.Reset); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, f.Name)
}

func (c *command) Reset(ctx context.Context, name string) error {
	cl := c.client()
	if err := cl.Reset(ctx, name); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, name)
}

// Status prints every instance, or the replicas of one app.
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	sts, err := c.client().Status(ctx, f.Name)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, sts)
	}
	return printStatusTable(c.out, sts, time.Now())
}

// Logs prints the tail of a log, and keeps following it with --follow until
// ctx is cancelled.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	req := client.LogsRequest{Name: f.Name, Lines: f.Lines, Error: f.Error}
	cl := c.client()
	if f.Follow {
		return cl.Follow(ctx, req, func(line string) {
			_, _ = fmt.Fprintln(c.out, line)
		})
	}
	logs, err := cl.Logs(ctx, req)
	if err != nil {
		return err
	}
	for _, l := range logs.Lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	return nil
}

// Init writes a sample ecosystem file.
func (c *command) Init(f InitFlags) error {
	name := f.Name
	if name == "" {
		name = f.Type + "-app"
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("file '%s' already exists (use --force to overwrite)", f.Output)
	}

	generator := template.NewGenerator()
	app, err := generator.Generate(template.TemplateType(f.Type), name)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	data, err := generator.Render(f.Output, *app)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(f.Output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ecosystem file: %w", err)
	}

	_, _ = fmt.Fprintf(c.out, "Ecosystem file created: %s\n", f.Output)
	_, _ = fmt.Fprintf(c.out, "Edit it and start with: appvisor start %s\n", f.Output)
	return nil
}

func (c *command) printStatus(ctx context.Context, cl *client.Client, name string) error {
	sts, err := cl.Status(ctx, name)
	if err != nil {
		return err
	}
	return printStatusTable(c.out, sts, time.Now())
}

// waitReachable polls the daemon until it answers or timeout elapses.
func waitReachable(ctx context.Context, cl *client.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if cl.IsReachable(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: daemon did not come up within %s", client.ErrUnreachable, timeout)
		}
		select {
		case <-ctx.Done():
			return errors.Join(client.ErrUnreachable, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}
