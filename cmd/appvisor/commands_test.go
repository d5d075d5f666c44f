package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/pkg/client"
)

type harness struct {
	dir string
	url string
	d   *appvisor.Daemon
	out *bytes.Buffer
	c   *command
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sh")
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "ecosystem.json")
	body := fmt.Sprintf(`{
  "daemon": {"listen": "127.0.0.1:0"},
  "apps": [
    {"name": "talker", "script": "sh", "args": ["-c", "echo hello; echo oops >&2; sleep 30"], "cwd": %q, "kill_timeout": 500},
    {"name": "pair", "script": "sleep", "args": "30", "cwd": %q, "instances": 2, "kill_timeout": 500}
  ]
}`, dir, dir)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	d, err := appvisor.NewDaemon(cfg, appvisor.Options{Stderr: io.Discard})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	h := &harness{dir: dir, d: d, out: &bytes.Buffer{}}
	h.url = client.BaseURL(d.Addr(), cfg.Daemon.BasePath)
	h.c = newCommand(h.out)
	h.c.v.Set("api_url", h.url)
	return h
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	h.out.Reset()
	root := buildRoot(h.c)
	root.SetArgs(append(args, "--api-url", h.url))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestStatusAndLifecycleCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		sts, err := h.c.client().Status(ctx, "talker")
		return err == nil && len(sts) == 1 && sts[0].State == "running"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, h.run(t, "status"))
	for _, n := range []string{"talker", "pair-1", "pair-2"} {
		assert.Contains(t, h.out.String(), n)
	}

	require.NoError(t, h.run(t, "status", "pair", "--json"))
	var names []string
	for _, l := range strings.Split(h.out.String(), "\n") {
		if strings.Contains(l, `"name"`) {
			names = append(names, l)
		}
	}
	assert.Len(t, names, 2)

	require.NoError(t, h.run(t, "stop", "pair-2", "--wait", "1s"))
	assert.Contains(t, h.out.String(), "stopped")

	require.NoError(t, h.run(t, "start", "pair-2"))
	assert.Contains(t, h.out.String(), "pair-2")

	require.NoError(t, h.run(t, "restart", "talker", "--reset"))
	require.NoError(t, h.run(t, "reset", "pair"))

	err := h.run(t, "stop", "ghost")
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestLogsCommand(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, func() bool {
		if err := h.run(t, "logs", "talker", "--lines", "5"); err != nil {
			return false
		}
		return strings.Contains(h.out.String(), "hello")
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		if err := h.run(t, "logs", "talker", "--error"); err != nil {
			return false
		}
		return strings.Contains(h.out.String(), "oops")
	}, 5*time.Second, 50*time.Millisecond)

	// ambiguous: logs of a multi-instance app need an instance name
	err := h.run(t, "logs", "pair")
	assert.Equal(t, exitInvalidState, exitCode(err))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	h.c.out = &buf
	require.NoError(t, h.c.Logs(ctx, LogsFlags{Name: "talker", Lines: 5, Follow: true}))
	assert.Contains(t, buf.String(), "hello")
}

func TestStartAppliesConfigToRunningDaemon(t *testing.T) {
	h := newHarness(t)
	extra := filepath.Join(h.dir, "extra.yaml")
	require.NoError(t, os.WriteFile(extra, []byte("apps:\n  - name: extra\n    script: sleep\n    args: \"30\"\n    cwd: "+h.dir+"\n"), 0o644))

	require.NoError(t, h.run(t, "start", extra))
	assert.Contains(t, h.out.String(), "Applied")
	assert.Contains(t, h.out.String(), "extra")

	bad := filepath.Join(h.dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"apps":[{"name":"x"}]}`), 0o644))
	err := h.run(t, "start", bad)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestStartSpawnsDaemonWhenUnreachable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ecosystem.json")
	// port 1 is never served in the test environment
	require.NoError(t, os.WriteFile(p, []byte(`{"daemon":{"listen":"127.0.0.1:1"},"apps":[{"name":"a","script":"true","cwd":"."}]}`), 0o644))

	var out bytes.Buffer
	c := newCommand(&out)
	c.spawnWait = 300 * time.Millisecond
	var spawned *config.Config
	c.spawn = func(cfg *config.Config, logFile string) (int, error) {
		spawned = cfg
		return 4242, nil
	}
	err := c.Start(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrUnreachable))
	assert.Equal(t, exitUnreachable, exitCode(err))
	require.NotNil(t, spawned)
	assert.Equal(t, "a", spawned.Apps[0].Name)
	assert.Contains(t, out.String(), "PID 4242")

	c.spawn = func(*config.Config, string) (int, error) { return 0, errors.New("no exec") }
	err = c.Start(context.Background(), p)
	assert.ErrorContains(t, err, "failed to spawn daemon")
}

func TestUnreachableDaemon(t *testing.T) {
	c := newCommand(io.Discard)
	c.v.Set("api_url", "http://127.0.0.1:1/api")
	err := c.Status(context.Background(), StatusFlags{})
	assert.Equal(t, exitUnreachable, exitCode(err))
}

func TestAPIURLFromEnvironment(t *testing.T) {
	t.Setenv("APPVISOR_API_URL", "http://127.0.0.1:1/custom")
	c := newCommand(io.Discard)
	_ = buildRoot(c)
	assert.Equal(t, "http://127.0.0.1:1/custom", c.v.GetString("api_url"))
}

func TestDaemonDaemonize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ecosystem.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"apps":[{"name":"a","script":"true","cwd":"."}]}`), 0o644))

	var out bytes.Buffer
	c := newCommand(&out)
	var gotLog string
	c.spawn = func(cfg *config.Config, logFile string) (int, error) {
		gotLog = logFile
		return 7, nil
	}
	require.NoError(t, c.Daemon(context.Background(), DaemonFlags{ConfigPath: p, Daemonize: true, LogFile: "d.log"}))
	assert.Equal(t, "d.log", gotLog)
	assert.Contains(t, out.String(), "PID 7")

	err := c.Daemon(context.Background(), DaemonFlags{ConfigPath: filepath.Join(dir, "missing.json")})
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	c := newCommand(&out)

	for _, name := range []string{"eco.json", "eco.yaml", "sub/eco.toml"} {
		p := filepath.Join(dir, name)
		require.NoError(t, c.Init(InitFlags{Output: p, Type: "web", Name: "frontend"}))
		cfg, err := config.Load(p)
		require.NoError(t, err, name)
		require.Len(t, cfg.Apps, 1)
		assert.Equal(t, "frontend", cfg.Apps[0].Name)
		assert.Equal(t, 2, cfg.Apps[0].Instances)
	}

	p := filepath.Join(dir, "eco.json")
	assert.ErrorContains(t, c.Init(InitFlags{Output: p, Type: "web"}), "already exists")
	require.NoError(t, c.Init(InitFlags{Output: p, Type: "simple", Force: true}))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	assert.Equal(t, "simple-app", cfg.Apps[0].Name)

	assert.Error(t, c.Init(InitFlags{Output: filepath.Join(dir, "x.json"), Type: "cron"}))
	assert.Error(t, c.Init(InitFlags{Output: filepath.Join(dir, "x.xml"), Type: "simple"}))
}

func TestArgValidation(t *testing.T) {
	c := newCommand(io.Discard)
	root := buildRoot(c)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"stop"})
	assert.Error(t, root.Execute())
}
