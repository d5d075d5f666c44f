package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/process"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	clock    *fakeClock
	launcher *fakeLauncher
	mgr      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), launcher: newFakeLauncher()}
	h.mgr = New(Options{
		Launcher: h.launcher,
		Clock:    h.clock,
		Env:      env.New().WithBase(env.Var{"PATH": "/usr/bin"}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		h.launcher.setIgnoreTerm(false)
		_ = h.mgr.Shutdown(context.Background())
	})
	return h
}

func testSpec(name string) process.Spec {
	return process.Spec{
		Name:            name,
		Cwd:             os.TempDir(),
		Script:          "worker",
		Instances:       1,
		AutoRestart:     true,
		KillTimeout:     5 * time.Second,
		MinUptime:       time.Second,
		MaxRestarts:     3,
		RestartDelay:    100 * time.Millisecond,
		RestartDelayMax: time.Second,
		Env:             map[string]string{"RUST_LOG": "info"},
	}
}

func (h *harness) instance(t *testing.T, name string) *Instance {
	t.Helper()
	h.mgr.mu.RLock()
	defer h.mgr.mu.RUnlock()
	in, ok := h.mgr.instances[name]
	require.True(t, ok, "instance %s", name)
	return in
}

func (h *harness) nextProc(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-h.launcher.launched:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a launch")
		return nil
	}
}

func waitState(t *testing.T, in *Instance, want process.State) process.Status {
	t.Helper()
	require.Eventually(t, func() bool { return in.Status().State == want }, waitFor, tick,
		"want state %s, have %s", want, in.Status().State)
	return in.Status()
}

// crashAndWaitBackoff crashes the current run and returns the scheduled delay.
func (h *harness) crashAndWaitBackoff(t *testing.T, in *Instance, p *fakeProc) time.Duration {
	t.Helper()
	p.crash(1)
	var st process.Status
	require.Eventually(t, func() bool {
		st = in.Status()
		return st.State == process.StateCrashed && !st.NextRestartAt.IsZero()
	}, waitFor, tick)
	return st.NextRestartAt.Sub(h.clock.Now())
}

func TestStartLaunchesExactlyOneProcess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("worker")))
	require.NoError(t, h.mgr.Start("worker"))
	require.NoError(t, h.mgr.Start("worker"))

	p := h.nextProc(t)
	st := waitState(t, h.instance(t, "worker"), process.StateRunning)
	assert.Equal(t, p.pid, st.PID)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, 1, h.launcher.count())
	assert.Contains(t, p.req.Env, "RUST_LOG=info")
	assert.Contains(t, p.req.Env, "APPVISOR_INSTANCE=0")
	assert.Contains(t, p.req.Env, "PATH=/usr/bin")
}

func TestCrashLoopReachesFailedWithNonDecreasingBackoff(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("loop")))
	require.NoError(t, h.mgr.Start("loop"))
	in := h.instance(t, "loop")

	var delays []time.Duration
	p := h.nextProc(t)
	for i := 0; i < 2; i++ {
		d := h.crashAndWaitBackoff(t, in, p)
		delays = append(delays, d)
		h.clock.Advance(d)
		p = h.nextProc(t)
	}
	p.crash(1)
	st := waitState(t, in, process.StateFailed)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	assert.Equal(t, 3, st.FastFailures)
	assert.Equal(t, 2, st.CrashRestarts)
	assert.Equal(t, 2, st.Restarts)
	assert.True(t, h.clock.waiting(0, 100*time.Millisecond))

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.launcher.count(), "failed instance must not restart")

	err := h.mgr.Start("loop")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, h.mgr.Restart("loop", false), ErrInvalidState)

	require.NoError(t, h.mgr.Reset("loop"))
	st = waitState(t, in, process.StateStopped)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, 0, st.FastFailures)

	require.NoError(t, h.mgr.Start("loop"))
	h.nextProc(t)
	waitState(t, in, process.StateRunning)
}

func TestSustainedUptimeResetsBackoff(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("steady")))
	require.NoError(t, h.mgr.Start("steady"))
	in := h.instance(t, "steady")

	p := h.nextProc(t)
	d1 := h.crashAndWaitBackoff(t, in, p)
	h.clock.Advance(d1)
	p = h.nextProc(t)
	d2 := h.crashAndWaitBackoff(t, in, p)
	assert.GreaterOrEqual(t, d2, d1)
	h.clock.Advance(d2)
	p = h.nextProc(t)
	waitState(t, in, process.StateRunning)

	// A run longer than min_uptime clears the fast-failure streak.
	h.clock.Advance(2 * time.Second)
	d3 := h.crashAndWaitBackoff(t, in, p)
	assert.Equal(t, 100*time.Millisecond, d3)
	assert.Equal(t, 0, in.Status().FastFailures)
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("backoff")))
	require.NoError(t, h.mgr.Start("backoff"))
	in := h.instance(t, "backoff")

	p := h.nextProc(t)
	d := h.crashAndWaitBackoff(t, in, p)

	stopped := make(chan error, 1)
	go func() { stopped <- h.mgr.Stop("backoff", 0) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop during backoff did not return promptly")
	}
	st := in.Status()
	assert.Equal(t, process.StateStopped, st.State)
	assert.True(t, st.NextRestartAt.IsZero())

	h.clock.Advance(10 * d)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, process.StateStopped, in.Status().State)
}

func TestStopEscalatesToKillAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.launcher.setIgnoreTerm(true)
	require.NoError(t, h.mgr.Register(testSpec("stubborn")))
	require.NoError(t, h.mgr.Start("stubborn"))
	in := h.instance(t, "stubborn")
	p := h.nextProc(t)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Stop("stubborn", 0) }()
	waitState(t, in, process.StateStopping)
	require.Eventually(t, p.terminated.Load, waitFor, tick)
	require.True(t, h.clock.waiting(1, waitFor))
	assert.False(t, p.killed.Load())

	h.clock.Advance(5 * time.Second)
	require.NoError(t, <-done)
	assert.True(t, p.killed.Load())
	st := in.Status()
	assert.Equal(t, process.StateStopped, st.State)
	assert.Equal(t, "killed", st.ExitSignal)
}

func TestConcurrentStopAndCrashYieldSingleOutcome(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		require.NoError(t, h.mgr.Register(testSpec("race")))
		require.NoError(t, h.mgr.Start("race"))
		in := h.instance(t, "race")
		p := h.nextProc(t)

		errc := make(chan error, 1)
		go func() { errc <- h.mgr.Stop("race", 0) }()
		p.crash(1)
		require.NoError(t, <-errc)

		// Whatever order won, no restart may follow the stop.
		h.clock.Advance(time.Hour)
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, process.StateStopped, in.Status().State)
		assert.Equal(t, 1, h.launcher.count())
		assert.True(t, h.clock.waiting(0, 100*time.Millisecond))
	}
}

func TestPolicyRestartCountsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("mem")))
	require.NoError(t, h.mgr.Start("mem"))
	in := h.instance(t, "mem")
	p := h.nextProc(t)
	waitState(t, in, process.StateRunning)

	require.NoError(t, h.mgr.RestartForPolicy("mem", p.pid+999))
	assert.Equal(t, 0, in.Status().Restarts, "stale pid must be ignored")

	require.NoError(t, h.mgr.RestartForPolicy("mem", p.pid))
	p2 := h.nextProc(t)
	st := waitState(t, in, process.StateRunning)
	assert.True(t, p.terminated.Load())
	assert.Equal(t, p2.pid, st.PID)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 1, st.PolicyRestarts)
	assert.Equal(t, 0, st.CrashRestarts)
	assert.Equal(t, 0, st.FastFailures)

	// A second request for the old pid is a no-op.
	require.NoError(t, h.mgr.RestartForPolicy("mem", p.pid))
	assert.Equal(t, 1, in.Status().Restarts)
}

func TestManualRestartAndReset(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("man")))
	require.NoError(t, h.mgr.Start("man"))
	in := h.instance(t, "man")
	h.nextProc(t)

	require.NoError(t, h.mgr.Restart("man", false))
	h.nextProc(t)
	require.NoError(t, h.mgr.Restart("man", false))
	h.nextProc(t)
	assert.Equal(t, 2, waitState(t, in, process.StateRunning).Restarts)

	require.NoError(t, h.mgr.Restart("man", true))
	h.nextProc(t)
	assert.Equal(t, 0, waitState(t, in, process.StateRunning).Restarts)

	// restart on a stopped instance starts it.
	require.NoError(t, h.mgr.Stop("man", 0))
	require.NoError(t, h.mgr.Restart("man", false))
	h.nextProc(t)
	assert.Equal(t, 1, waitState(t, in, process.StateRunning).Restarts)
}

func TestSpawnFailureFollowsRestartPolicy(t *testing.T) {
	h := newHarness(t)
	spec := testSpec("missing")
	spec.MaxRestarts = 2
	h.launcher.setFail(os.ErrNotExist)
	require.NoError(t, h.mgr.Register(spec))

	err := h.mgr.Start("missing")
	require.ErrorIs(t, err, process.ErrSpawnFailed)
	in := h.instance(t, "missing")
	st := in.Status()
	assert.Equal(t, process.StateCrashed, st.State)
	assert.Contains(t, st.LastError, "file does not exist")

	h.clock.Advance(st.NextRestartAt.Sub(h.clock.Now()))
	waitState(t, in, process.StateFailed)
	assert.Equal(t, 0, h.launcher.count())
}

func TestAutoRestartDisabledStaysCrashed(t *testing.T) {
	h := newHarness(t)
	spec := testSpec("once")
	spec.AutoRestart = false
	require.NoError(t, h.mgr.Register(spec))
	require.NoError(t, h.mgr.Start("once"))
	in := h.instance(t, "once")
	p := h.nextProc(t)
	p.crash(2)
	st := waitState(t, in, process.StateCrashed)
	assert.Equal(t, 2, st.ExitCode)
	assert.True(t, h.clock.waiting(0, 100*time.Millisecond))

	require.NoError(t, h.mgr.Start("once"))
	h.nextProc(t)
	waitState(t, in, process.StateRunning)
}

func TestShutdownRejectsFurtherCommands(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register(testSpec("bye")))
	require.NoError(t, h.mgr.Start("bye"))
	p := h.nextProc(t)
	require.NoError(t, h.mgr.Shutdown(t.Context()))
	assert.True(t, p.terminated.Load())
	assert.True(t, errors.Is(h.mgr.Start("bye"), ErrShuttingDown))
	assert.ErrorIs(t, h.mgr.Register(testSpec("late")), ErrShuttingDown)
}
