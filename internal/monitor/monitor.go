package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/appvisor/internal/events"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 5 * time.Second

// Sample is one resource observation of a process.
type Sample struct {
	RSS uint64
	CPU float64
}

// Sampler reads the resource usage of a pid.
type Sampler interface {
	Sample(ctx context.Context, pid int) (Sample, error)
}

// Supervisor is the part of the manager the monitor drives.
type Supervisor interface {
	Targets() []manager.Target
	RecordUsage(name string, rss uint64, cpu float64)
	RestartForPolicy(name string, pid int) error
}

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Sampler  Sampler
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Monitor periodically samples running instances and requests a policy
// restart for any instance whose RSS exceeds its max_memory_restart.
type Monitor struct {
	sup      Supervisor
	interval time.Duration
	sampler  Sampler
	bus      *events.Bus
	log      *slog.Logger

	mu       sync.Mutex
	seen     map[string]bool
	inflight map[string]bool
	wg       sync.WaitGroup
}

// Pruner is implemented by samplers that cache per-pid state.
type Pruner interface {
	Prune(live map[int]bool)
}

func New(sup Supervisor, cfg Config) *Monitor {
	m := &Monitor{
		sup:      sup,
		interval: cfg.Interval,
		sampler:  cfg.Sampler,
		bus:      cfg.Bus,
		log:      cfg.Logger,
		seen:     make(map[string]bool),
		inflight: make(map[string]bool),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.sampler == nil {
		m.sampler = NewProcessSampler()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Run samples every interval until ctx is done. It returns once pending
// policy restarts have been answered.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one sampling pass.
func (m *Monitor) Tick(ctx context.Context) {
	targets := m.sup.Targets()
	current := make(map[string]bool, len(targets))
	live := make(map[int]bool, len(targets))
	for _, t := range targets {
		current[t.Name] = true
		live[t.PID] = true
		s, err := m.sampler.Sample(ctx, t.PID)
		if err != nil {
			// The process most likely exited; the supervisor sees that itself.
			m.log.Debug("resource sample failed", "name", t.Name, "pid", t.PID, "error", err)
			continue
		}
		m.sup.RecordUsage(t.Name, s.RSS, s.CPU)
		metrics.SetResourceUsage(t.Name, s.RSS, s.CPU)

		if t.Limit <= 0 || s.RSS <= uint64(t.Limit) {
			continue
		}
		m.log.Warn("memory limit exceeded, restarting",
			"name", t.Name, "pid", t.PID,
			"rss", units.BytesSize(float64(s.RSS)), "limit", units.BytesSize(float64(t.Limit)))
		metrics.IncMemoryLimitExceeded(t.Name)
		m.bus.Publish(events.LimitExceeded{Name: t.Name, PID: t.PID, RSS: s.RSS, Limit: t.Limit, At: time.Now()})
		m.restart(t)
	}
	m.forgetGone(current)
	if p, ok := m.sampler.(Pruner); ok {
		p.Prune(live)
	}
}

// restart asks for a policy restart without waiting for it: the instance
// stops gracefully, which can take its whole kill timeout. At most one
// request per instance is outstanding.
func (m *Monitor) restart(t manager.Target) {
	m.mu.Lock()
	if m.inflight[t.Name] {
		m.mu.Unlock()
		return
	}
	m.inflight[t.Name] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sup.RestartForPolicy(t.Name, t.PID); err != nil {
			m.log.Warn("policy restart failed", "name", t.Name, "error", err)
		}
		m.mu.Lock()
		delete(m.inflight, t.Name)
		m.mu.Unlock()
	}()
}

// Wait blocks until every outstanding policy restart returned.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) forgetGone(current map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.seen {
		if !current[name] {
			metrics.ForgetResourceUsage(name)
		}
	}
	m.seen = current
}

// ProcessSampler samples through gopsutil. It keeps the gopsutil handle
// per pid so CPU percent is computed between consecutive samples.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

func (s *ProcessSampler) Sample(ctx context.Context, pid int) (Sample, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.procs[pid] = p
	}
	s.mu.Unlock()

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	return Sample{RSS: mem.RSS, CPU: cpu}, nil
}

// Prune drops the handles of pids that are no longer supervised, so a
// reused pid starts with a fresh CPU baseline.
func (s *ProcessSampler) Prune(live map[int]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.procs {
		if !live[pid] {
			delete(s.procs, pid)
		}
	}
}

func (s *ProcessSampler) cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
