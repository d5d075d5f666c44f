package manager

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/events"
	"github.com/loykin/appvisor/internal/logrouter"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
)

// Restart causes, used for metrics labels and transition reasons.
const (
	causeManual = "manual"
	causeCrash  = "crash"
	causePolicy = "policy"
)

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionPolicyRestart
	actionReset
	actionShutdown
)

type command struct {
	action commandAction
	wait   time.Duration
	reset  bool
	pid    int
	reply  chan error
}

// exitEvent reports the end of one run. gen identifies the run so that
// notifications from an earlier run are ignored.
type exitEvent struct {
	gen  uint64
	info process.ExitInfo
	at   time.Time
}

// deps are shared by all instances of a Manager.
type deps struct {
	launcher  process.Launcher
	clock     Clock
	env       *env.Env
	bus       *events.Bus
	log       *slog.Logger
	queueSize int
	policy    logrouter.Policy
}

// Instance supervises one replica of an app.
//
// A single goroutine owns the state machine. Commands, child exits and
// backoff expiries all arrive on that goroutine, which totally orders them
// for this instance without sharing locks with other instances. The mutex
// only guards the published status snapshot.
//
// State machine:
//
//	stopped -> starting -> running -> stopping -> stopped
//	running -> crashed -> starting (after backoff)
//	crashed -> failed (after MaxRestarts consecutive fast failures)
type Instance struct {
	name  string
	index int
	spec  process.Spec
	d     deps

	cmds   chan command
	exits  chan exitEvent
	timers chan uint64
	done   chan struct{}

	mu     sync.RWMutex
	status process.Status
	rss    uint64
	cpu    float64

	// owned by the run goroutine
	state          process.State
	handle         process.Handle
	router         *logrouter.Router
	gen            uint64
	runID          string
	startedAt      time.Time
	stoppedAt      time.Time
	exitCode       int
	exitSignal     string
	lastErr        string
	restarts       int
	crashRestarts  int
	policyRestarts int
	fast           int
	logDrops       uint64
	bo             *backoff.ExponentialBackOff
	timer          Timer
	timerGen       uint64
	nextRestartAt  time.Time
}

func newInstance(name string, index int, spec process.Spec, d deps) *Instance {
	in := &Instance{
		name:   name,
		index:  index,
		spec:   spec,
		d:      d,
		cmds:   make(chan command, 16),
		exits:  make(chan exitEvent, 1),
		timers: make(chan uint64, 1),
		done:   make(chan struct{}),
		state:  process.StateStopped,
		bo:     newRestartBackoff(spec),
	}
	in.sync()
	go in.run()
	return in
}

// Name returns the instance name (app name, or app-N for replicas).
func (in *Instance) Name() string { return in.name }

// App returns the app this instance belongs to.
func (in *Instance) App() string { return in.spec.Name }

// Start launches the instance. It is a no-op when already running.
func (in *Instance) Start() error { return in.send(command{action: actionStart}) }

// Stop terminates the instance, escalating to SIGKILL after wait (or the
// app's kill_timeout when wait is zero). A pending restart is cancelled.
func (in *Instance) Stop(wait time.Duration) error {
	return in.send(command{action: actionStop, wait: wait})
}

// Restart begins a fresh cycle. reset zeroes the restart counters.
func (in *Instance) Restart(reset bool) error {
	return in.send(command{action: actionRestart, reset: reset})
}

// RestartForPolicy restarts the run identified by pid. It is ignored when
// the instance is no longer running that pid.
func (in *Instance) RestartForPolicy(pid int) error {
	return in.send(command{action: actionPolicyRestart, pid: pid})
}

// Reset clears restart counters and moves a failed instance to stopped.
func (in *Instance) Reset() error { return in.send(command{action: actionReset}) }

// Shutdown stops the instance and terminates its goroutine.
func (in *Instance) Shutdown(wait time.Duration) error {
	return in.send(command{action: actionShutdown, wait: wait})
}

func (in *Instance) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case in.cmds <- c:
	case <-in.done:
		return ErrShuttingDown
	}
	select {
	case err := <-c.reply:
		return err
	case <-in.done:
		// The shutdown command replies before done is closed.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// Status returns a snapshot of the instance.
func (in *Instance) Status() process.Status {
	in.mu.RLock()
	st := in.status
	rss, cpu := in.rss, in.cpu
	in.mu.RUnlock()
	if st.State == process.StateRunning {
		st.Uptime = in.d.clock.Now().Sub(st.StartedAt).Round(time.Second).String()
		st.MemoryBytes = rss
		st.CPUPercent = cpu
	}
	return st
}

// recordUsage stores the latest resource sample for status output.
func (in *Instance) recordUsage(rss uint64, cpu float64) {
	in.mu.Lock()
	in.rss, in.cpu = rss, cpu
	in.mu.Unlock()
}

func (in *Instance) run() {
	defer close(in.done)
	for {
		select {
		case c := <-in.cmds:
			err := in.handleCommand(c)
			in.sync()
			c.reply <- err
			if c.action == actionShutdown {
				return
			}
		case ev := <-in.exits:
			in.onExit(ev)
			in.sync()
		case g := <-in.timers:
			in.onTimer(g)
			in.sync()
		}
	}
}

func (in *Instance) handleCommand(c command) error {
	switch c.action {
	case actionStart:
		return in.handleStart()
	case actionStop:
		return in.handleStop(c.wait)
	case actionRestart:
		return in.handleRestart(c.reset, c.wait)
	case actionPolicyRestart:
		return in.handlePolicyRestart(c.pid)
	case actionReset:
		return in.handleReset()
	case actionShutdown:
		return in.handleShutdown(c.wait)
	}
	return fmt.Errorf("unknown command %d", c.action)
}

func (in *Instance) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s %s while %s", ErrInvalidState, op, in.name, in.state)
}

func (in *Instance) handleStart() error {
	switch in.state {
	case process.StateRunning:
		return nil
	case process.StateStopped, process.StateCrashed:
		in.cancelTimer()
		in.fast = 0
		in.bo.Reset()
		return in.launch()
	case process.StateFailed:
		return fmt.Errorf("%w: %s has failed, reset it before starting", ErrInvalidState, in.name)
	default:
		return in.invalid("start")
	}
}

func (in *Instance) handleStop(wait time.Duration) error {
	switch in.state {
	case process.StateStopped, process.StateFailed:
		return nil
	case process.StateRunning:
		in.stopRunning(wait, "stop requested")
		in.setState(process.StateStopped, "stopped", nil)
		metrics.IncStop(in.name)
		return nil
	case process.StateCrashed:
		in.cancelTimer()
		in.setState(process.StateStopped, "pending restart cancelled", nil)
		metrics.IncStop(in.name)
		return nil
	default:
		return in.invalid("stop")
	}
}

func (in *Instance) handleRestart(reset bool, wait time.Duration) error {
	switch in.state {
	case process.StateFailed:
		return fmt.Errorf("%w: %s has failed, reset it before restarting", ErrInvalidState, in.name)
	case process.StateStarting, process.StateStopping:
		return in.invalid("restart")
	}
	if reset {
		in.restarts, in.crashRestarts, in.policyRestarts = 0, 0, 0
	} else {
		in.restarts++
	}
	in.fast = 0
	in.bo.Reset()
	in.cancelTimer()
	metrics.IncRestart(in.name, causeManual)
	if in.state == process.StateRunning {
		in.stopRunning(wait, "restart requested")
	}
	return in.launch()
}

func (in *Instance) handlePolicyRestart(pid int) error {
	if in.state != process.StateRunning || in.handle == nil || in.handle.Pid() != pid {
		return nil
	}
	in.restarts++
	in.policyRestarts++
	metrics.IncRestart(in.name, causePolicy)
	in.stopRunning(0, "memory limit exceeded")
	return in.launch()
}

func (in *Instance) handleReset() error {
	in.restarts, in.crashRestarts, in.policyRestarts = 0, 0, 0
	in.fast = 0
	in.bo.Reset()
	if in.state == process.StateFailed {
		in.setState(process.StateStopped, "reset", nil)
	}
	return nil
}

func (in *Instance) handleShutdown(wait time.Duration) error {
	in.cancelTimer()
	switch in.state {
	case process.StateRunning:
		in.stopRunning(wait, "shutdown")
		in.setState(process.StateStopped, "shutdown", nil)
	case process.StateCrashed:
		in.setState(process.StateStopped, "shutdown", nil)
	}
	return nil
}

// launch spawns a new run. A spawn failure counts as a fast failure and
// follows the restart policy; the error is still returned to the caller.
func (in *Instance) launch() error {
	in.setState(process.StateStarting, "launching", nil)

	router, err := in.openLogs()
	if err != nil {
		in.d.log.Warn("log routing unavailable, discarding output", "name", in.name, "error", err)
	}
	req := process.LaunchRequest{Name: in.name, Spec: in.spec, Env: in.environ()}
	if router != nil {
		req.Stdout, req.Stderr = router.Stdout(), router.Stderr()
	}

	h, err := in.d.launcher.Launch(req)
	if err != nil {
		if router != nil {
			_ = router.Close()
		}
		in.fast++
		metrics.IncCrash(in.name)
		in.setState(process.StateCrashed, "spawn failed", err)
		in.scheduleRestart()
		return err
	}

	in.gen++
	in.handle = h
	in.router = router
	in.runID = uuid.NewString()
	in.startedAt = in.d.clock.Now()
	in.stoppedAt = time.Time{}
	in.exitCode, in.exitSignal, in.lastErr = 0, "", ""
	in.nextRestartAt = time.Time{}
	in.mu.Lock()
	in.rss, in.cpu = 0, 0
	in.mu.Unlock()
	metrics.IncStart(in.name)
	in.setState(process.StateRunning, "started", nil)
	go in.watch(in.gen, h)
	return nil
}

func (in *Instance) openLogs() (*logrouter.Router, error) {
	out, errp := in.spec.LogPaths(in.index)
	return logrouter.New(logrouter.Config{
		Name:       in.name,
		OutFile:    out,
		ErrorFile:  errp,
		Merge:      in.spec.MergeLogs,
		Time:       in.spec.Time,
		DateFormat: in.spec.LogDateFormat,
		Rotate:     in.spec.LogRotate,
		QueueSize:  in.d.queueSize,
		Policy:     in.d.policy,
		Logger:     in.d.log,
	})
}

func (in *Instance) environ() []string {
	return in.d.env.Merge(in.spec.Env, map[string]string{
		"APPVISOR_NAME":     in.name,
		"APPVISOR_INSTANCE": strconv.Itoa(in.index - 1),
	})
}

func (in *Instance) watch(gen uint64, h process.Handle) {
	info := h.Wait()
	select {
	case in.exits <- exitEvent{gen: gen, info: info, at: in.d.clock.Now()}:
	case <-in.done:
	}
}

// onExit handles an exit nobody asked for.
func (in *Instance) onExit(ev exitEvent) {
	if ev.gen != in.gen || in.handle == nil {
		return
	}
	in.release(ev)
	if ev.at.Sub(in.startedAt) >= in.minUptime() {
		in.fast = 0
		in.bo.Reset()
	} else {
		in.fast++
	}
	metrics.IncCrash(in.name)
	in.setState(process.StateCrashed, ev.info.String(), ev.info.Err)
	in.scheduleRestart()
}

func (in *Instance) scheduleRestart() {
	if !in.spec.AutoRestart {
		return
	}
	if in.fast >= in.maxRestarts() {
		in.setState(process.StateFailed,
			fmt.Sprintf("%d consecutive fast failures", in.fast), nil)
		return
	}
	delay := nextDelay(in.bo)
	in.nextRestartAt = in.d.clock.Now().Add(delay)
	in.timerGen++
	g := in.timerGen
	in.timer = in.d.clock.AfterFunc(delay, func() {
		select {
		case in.timers <- g:
		case <-in.done:
		}
	})
	in.d.log.Info("restart scheduled", "name", in.name, "delay", delay, "fast_failures", in.fast)
}

func (in *Instance) cancelTimer() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	// Invalidate an expiry that already fired but is not yet consumed.
	in.timerGen++
	in.nextRestartAt = time.Time{}
}

func (in *Instance) onTimer(g uint64) {
	if g != in.timerGen || in.state != process.StateCrashed {
		return
	}
	in.timer = nil
	in.restarts++
	in.crashRestarts++
	metrics.IncRestart(in.name, causeCrash)
	if err := in.launch(); err != nil {
		in.d.log.Warn("restart failed", "name", in.name, "error", err)
	}
}

// stopRunning terminates the current run and waits for it to exit,
// escalating to SIGKILL after the grace period.
func (in *Instance) stopRunning(wait time.Duration, reason string) {
	if wait <= 0 {
		wait = in.spec.KillTimeout
	}
	if wait <= 0 {
		wait = process.DefaultKillTimeout
	}
	in.setState(process.StateStopping, reason, nil)
	h, gen := in.handle, in.gen
	if err := h.Terminate(); err != nil {
		in.d.log.Debug("terminate failed", "name", in.name, "pid", h.Pid(), "error", err)
	}
	kill := make(chan struct{})
	t := in.d.clock.AfterFunc(wait, func() { close(kill) })
	defer t.Stop()
	for {
		select {
		case ev := <-in.exits:
			if ev.gen != gen {
				continue
			}
			in.release(ev)
			return
		case <-kill:
			in.d.log.Warn("kill timeout elapsed, sending SIGKILL", "name", in.name, "pid", h.Pid(), "timeout", wait)
			if err := h.Kill(); err != nil {
				in.d.log.Debug("kill failed", "name", in.name, "error", err)
			}
			kill = nil
		}
	}
}

// release drops the handle of a finished run and flushes its logs.
func (in *Instance) release(ev exitEvent) {
	if in.router != nil {
		in.logDrops += in.router.Dropped()
		if err := in.router.Close(); err != nil {
			in.d.log.Warn("closing logs failed", "name", in.name, "error", err)
		}
		in.router = nil
	}
	in.handle = nil
	in.exitCode = ev.info.Code
	in.exitSignal = ev.info.Signal
	in.stoppedAt = ev.at
}

func (in *Instance) minUptime() time.Duration {
	if in.spec.MinUptime > 0 {
		return in.spec.MinUptime
	}
	return process.DefaultMinUptime
}

func (in *Instance) maxRestarts() int {
	if in.spec.MaxRestarts > 0 {
		return in.spec.MaxRestarts
	}
	return process.DefaultMaxRestarts
}

func (in *Instance) setState(to process.State, reason string, err error) {
	from := in.state
	in.state = to
	if err != nil {
		in.lastErr = err.Error()
	}
	in.sync()

	metrics.RecordStateTransition(in.name, from.String(), to.String())
	metrics.SetCurrentState(in.name, from.String(), false)
	metrics.SetCurrentState(in.name, to.String(), true)

	pid := 0
	if in.handle != nil {
		pid = in.handle.Pid()
	}
	in.d.bus.Publish(events.StateChanged{
		Name:     in.name,
		App:      in.spec.Name,
		RunID:    in.runID,
		From:     from.String(),
		To:       to.String(),
		PID:      pid,
		ExitCode: in.exitCode,
		Signal:   in.exitSignal,
		Reason:   reason,
		Restarts: in.restarts,
		Err:      in.lastErr,
		At:       in.d.clock.Now(),
	})

	attrs := []any{"name", in.name, "from", from, "to", to, "reason", reason}
	if pid > 0 {
		attrs = append(attrs, "pid", pid)
	}
	switch to {
	case process.StateCrashed:
		in.d.log.Warn("instance crashed", append(attrs, "exit_code", in.exitCode, "error", in.lastErr)...)
	case process.StateFailed:
		in.d.log.Error("instance failed, restarts exhausted", attrs...)
	default:
		in.d.log.Info("state changed", attrs...)
	}
}

// sync publishes the loop-owned fields into the status snapshot.
func (in *Instance) sync() {
	pid := 0
	if in.handle != nil {
		pid = in.handle.Pid()
	}
	out, errp := in.spec.LogPaths(in.index)
	drops := in.logDrops
	if in.router != nil {
		drops += in.router.Dropped()
	}
	st := process.Status{
		Name:           in.name,
		App:            in.spec.Name,
		State:          in.state,
		PID:            pid,
		RunID:          in.runID,
		StartedAt:      in.startedAt,
		StoppedAt:      in.stoppedAt,
		Restarts:       in.restarts,
		CrashRestarts:  in.crashRestarts,
		PolicyRestarts: in.policyRestarts,
		FastFailures:   in.fast,
		NextRestartAt:  in.nextRestartAt,
		ExitCode:       in.exitCode,
		ExitSignal:     in.exitSignal,
		LastError:      in.lastErr,
		MaxMemoryBytes: in.spec.MaxMemoryRestart,
		OutFile:        out,
		ErrorFile:      errp,
		LogDrops:       drops,
		WatchIgnored:   in.spec.Watch,
		AutoRestart:    in.spec.AutoRestart,
	}
	in.mu.Lock()
	in.status = st
	in.mu.Unlock()
}
