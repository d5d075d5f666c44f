package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/appvisor/internal/events"
)

const sendTimeout = 5 * time.Second

// Recorder forwards lifecycle events from the bus to a sink. The bus
// delivers on a dedicated goroutine per subscriber, so a slow sink only
// delays history, never the supervisor.
type Recorder struct {
	sink Sink
	log  *slog.Logger

	mu     sync.Mutex
	unsubs []func()
	failed uint64
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Attach subscribes to state changes and limit breaches on bus.
func (r *Recorder) Attach(bus *events.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubs = append(r.unsubs,
		bus.OnStateChanged(func(sc events.StateChanged) {
			if e, ok := FromStateChanged(sc); ok {
				r.send(e)
			}
		}),
		bus.OnLimitExceeded(func(le events.LimitExceeded) {
			r.send(FromLimitExceeded(le))
		}),
	)
}

func (r *Recorder) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.mu.Lock()
		r.failed++
		n := r.failed
		r.mu.Unlock()
		r.log.Warn("history send failed", "event", e.Type, "name", e.Record.Name, "failures", n, "error", err)
	}
}

// Failures returns how many events could not be delivered.
func (r *Recorder) Failures() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Close detaches from the bus and closes the sink when it supports it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MultiSink fans an event out to several sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
