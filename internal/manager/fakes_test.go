package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/appvisor/internal/process"
)

type fakeClock struct {
	*clockwork.FakeClock
}

func newFakeClock() *fakeClock {
	return &fakeClock{clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
}

// waiting reports whether exactly n timers are pending within d.
func (c *fakeClock) waiting(n int, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.BlockUntilContext(ctx, n) == nil
}

type fakeProc struct {
	pid        int
	req        process.LaunchRequest
	ignoreTerm bool
	exit       chan process.ExitInfo
	once       sync.Once
	terminated atomic.Bool
	killed     atomic.Bool
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Wait() process.ExitInfo { return <-p.exit }

func (p *fakeProc) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.finish(process.ExitInfo{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.finish(process.ExitInfo{Code: -1, Signal: "killed"})
	return nil
}

// crash makes the process exit on its own.
func (p *fakeProc) crash(code int) {
	p.finish(process.ExitInfo{Code: code, Err: errors.New("exit status")})
}

func (p *fakeProc) finish(info process.ExitInfo) {
	p.once.Do(func() { p.exit <- info })
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	procs      []*fakeProc
	fail       error
	ignoreTerm bool
	launched   chan *fakeProc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, launched: make(chan *fakeProc, 256)}
}

func (l *fakeLauncher) Launch(req process.LaunchRequest) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, &process.SpawnError{Name: req.Name, Argv: req.Spec.Argv(), Err: l.fail}
	}
	l.nextPID++
	p := &fakeProc{pid: l.nextPID, req: req, ignoreTerm: l.ignoreTerm, exit: make(chan process.ExitInfo, 1)}
	l.procs = append(l.procs, p)
	l.launched <- p
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *fakeLauncher) setIgnoreTerm(v bool) {
	l.mu.Lock()
	l.ignoreTerm = v
	l.mu.Unlock()
}
