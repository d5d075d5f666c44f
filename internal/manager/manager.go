package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/events"
	"github.com/loykin/appvisor/internal/logrouter"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
)

// Options configures a Manager. Zero values select production defaults.
type Options struct {
	Launcher       process.Launcher
	Clock          Clock
	Env            *env.Env
	Bus            *events.Bus
	Logger         *slog.Logger
	LogQueueSize   int
	LogQueuePolicy logrouter.Policy
}

// Manager is the registry of supervised apps, keyed by app name. Operations
// accept either an app name (all of its replicas) or an instance name.
type Manager struct {
	mu        sync.RWMutex
	d         deps
	apps      map[string]*app
	order     []string
	instances map[string]*Instance
	closed    bool
}

type app struct {
	spec      process.Spec
	instances []*Instance
}

// Target is a running instance as seen by the resource monitor.
type Target struct {
	Name  string
	PID   int
	Limit int64
}

func New(opts Options) *Manager {
	d := deps{
		launcher:  opts.Launcher,
		clock:     opts.Clock,
		env:       opts.Env,
		bus:       opts.Bus,
		log:       opts.Logger,
		queueSize: opts.LogQueueSize,
		policy:    opts.LogQueuePolicy,
	}
	if d.launcher == nil {
		d.launcher = process.ExecLauncher{}
	}
	if d.clock == nil {
		d.clock = RealClock()
	}
	if d.env == nil {
		d.env = env.New().FromOS()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return &Manager{
		d:         d,
		apps:      make(map[string]*app),
		instances: make(map[string]*Instance),
	}
}

// Register adds an app and creates its stopped instances.
func (m *Manager) Register(spec process.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(spec)
}

func (m *Manager) registerLocked(spec process.Spec) error {
	if m.closed {
		return ErrShuttingDown
	}
	if _, ok := m.apps[spec.Name]; ok {
		return fmt.Errorf("app %q already registered", spec.Name)
	}
	names := spec.InstanceNames()
	for _, n := range names {
		if _, ok := m.instances[n]; ok {
			return fmt.Errorf("instance name %q of app %q collides with an existing instance", n, spec.Name)
		}
	}
	if spec.Watch {
		m.d.log.Warn("watch is not supported and will be ignored", "app", spec.Name)
	}
	a := &app{spec: spec.Clone()}
	for i, n := range names {
		in := newInstance(n, i+1, a.spec, m.d)
		a.instances = append(a.instances, in)
		m.instances[n] = in
	}
	m.apps[spec.Name] = a
	m.order = append(m.order, spec.Name)
	return nil
}

// ApplyConfig registers apps in order and starts them in that order. An app
// already registered with an identical spec is only started; one with a
// different spec is stopped and replaced. Start failures of one app do not
// prevent the others from starting; they are joined into the returned error.
func (m *Manager) ApplyConfig(ctx context.Context, specs []process.Spec) error {
	for _, spec := range specs {
		if err := m.replace(ctx, spec); err != nil {
			return err
		}
	}
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Start(spec.Name); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) replace(ctx context.Context, spec process.Spec) error {
	m.mu.Lock()
	old, ok := m.apps[spec.Name]
	if ok && reflect.DeepEqual(old.spec, spec) {
		m.mu.Unlock()
		return nil
	}
	if ok {
		m.removeLocked(spec.Name)
	}
	err := m.registerLocked(spec)
	m.mu.Unlock()
	if ok {
		m.d.log.Info("app definition changed, replacing", "app", spec.Name)
		shutdownAll(ctx, old.instances, 0)
	}
	return err
}

func (m *Manager) removeLocked(name string) {
	a := m.apps[name]
	delete(m.apps, name)
	for _, in := range a.instances {
		delete(m.instances, in.name)
	}
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// resolve returns the instances addressed by name.
func (m *Manager) resolve(name string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.apps[name]; ok {
		return append([]*Instance(nil), a.instances...), nil
	}
	if in, ok := m.instances[name]; ok {
		return []*Instance{in}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// each runs fn on every instance concurrently and joins the errors.
func each(ins []*Instance, fn func(*Instance) error) error {
	if len(ins) == 1 {
		return fn(ins[0])
	}
	errs := make([]error, len(ins))
	var wg sync.WaitGroup
	for i, in := range ins {
		wg.Add(1)
		go func(i int, in *Instance) {
			defer wg.Done()
			errs[i] = fn(in)
		}(i, in)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Start starts the named app or instance. Replicas are started in order.
func (m *Manager) Start(name string) error {
	ins, err := m.resolve(name)
	if err != nil {
		return err
	}
	var errs []error
	for _, in := range ins {
		if err := in.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops the named app or instance. wait overrides kill_timeout when > 0.
func (m *Manager) Stop(name string, wait time.Duration) error {
	ins, err := m.resolve(name)
	if err != nil {
		return err
	}
	return each(ins, func(in *Instance) error { return in.Stop(wait) })
}

// Restart restarts the named app or instance as a fresh cycle.
func (m *Manager) Restart(name string, reset bool) error {
	ins, err := m.resolve(name)
	if err != nil {
		return err
	}
	return each(ins, func(in *Instance) error { return in.Restart(reset) })
}

// RestartForPolicy restarts the named instance if it still runs pid.
func (m *Manager) RestartForPolicy(name string, pid int) error {
	m.mu.RLock()
	in, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return in.RestartForPolicy(pid)
}

// Reset clears the restart counters of the named app or instance and
// returns failed instances to stopped.
func (m *Manager) Reset(name string) error {
	ins, err := m.resolve(name)
	if err != nil {
		return err
	}
	return each(ins, func(in *Instance) error { return in.Reset() })
}

// Status returns the status of the named app's replicas or of one instance.
func (m *Manager) Status(name string) ([]process.Status, error) {
	ins, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	out := make([]process.Status, 0, len(ins))
	for _, in := range ins {
		out = append(out, in.Status())
	}
	return out, nil
}

// StatusAll returns every instance, apps in registration order.
func (m *Manager) StatusAll() []process.Status {
	m.mu.RLock()
	var ins []*Instance
	for _, n := range m.order {
		ins = append(ins, m.apps[n].instances...)
	}
	m.mu.RUnlock()
	out := make([]process.Status, 0, len(ins))
	for _, in := range ins {
		out = append(out, in.Status())
	}
	return out
}

// Apps returns the registered app specs in registration order.
func (m *Manager) Apps() []process.Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]process.Spec, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.apps[n].spec.Clone())
	}
	return out
}

// LogFiles returns the stdout and stderr paths of an instance, or of a
// single-instance app.
func (m *Manager) LogFiles(name string) (string, string, error) {
	ins, err := m.resolve(name)
	if err != nil {
		return "", "", err
	}
	if len(ins) != 1 {
		m.mu.RLock()
		a := m.apps[name]
		m.mu.RUnlock()
		if a != nil && a.spec.MergeLogs {
			out, errp := a.spec.LogPaths(1)
			return out, errp, nil
		}
		return "", "", fmt.Errorf("%w: %s has %d instances, name one of them", ErrInvalidState, name, len(ins))
	}
	st := ins[0].Status()
	return st.OutFile, st.ErrorFile, nil
}

// Targets lists running instances for the resource monitor and refreshes
// the per-app running gauge.
func (m *Manager) Targets() []Target {
	m.mu.RLock()
	apps := make([]*app, 0, len(m.order))
	for _, n := range m.order {
		apps = append(apps, m.apps[n])
	}
	m.mu.RUnlock()

	var out []Target
	for _, a := range apps {
		running := 0
		for _, in := range a.instances {
			st := in.Status()
			if st.State != process.StateRunning || st.PID <= 0 {
				continue
			}
			running++
			out = append(out, Target{Name: st.Name, PID: st.PID, Limit: a.spec.MaxMemoryRestart})
		}
		metrics.SetRunningInstances(a.spec.Name, running)
	}
	return out
}

// RecordUsage attaches a resource sample to an instance's status.
func (m *Manager) RecordUsage(name string, rss uint64, cpu float64) {
	m.mu.RLock()
	in, ok := m.instances[name]
	m.mu.RUnlock()
	if ok {
		in.recordUsage(rss, cpu)
	}
}

// Names returns all instance names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.instances))
	for n := range m.instances {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every instance and rejects further commands. It returns
// ctx.Err() if ctx ends before all instances stopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var ins []*Instance
	for _, n := range m.order {
		ins = append(ins, m.apps[n].instances...)
	}
	m.mu.Unlock()
	return shutdownAll(ctx, ins, 0)
}

func shutdownAll(ctx context.Context, ins []*Instance, wait time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- each(ins, func(in *Instance) error {
			if err := in.Shutdown(wait); err != nil && !errors.Is(err, ErrShuttingDown) {
				return err
			}
			return nil
		})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
