package events

import (
	"time"

	"github.com/kelindar/event"
)

// Event type identifiers for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeLimitExceeded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChanged is published on every instance state transition.
type StateChanged struct {
	Name     string    `json:"name"`
	App      string    `json:"app"`
	RunID    string    `json:"run_id,omitempty"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	PID      int       `json:"pid,omitempty"`
	ExitCode int       `json:"exit_code"`
	Signal   string    `json:"signal,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Restarts int       `json:"restarts"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func (e StateChanged) Type() uint32 { return TypeStateChanged }

// LimitExceeded is published when a sampled instance exceeds its memory limit.
type LimitExceeded struct {
	Name  string    `json:"name"`
	PID   int       `json:"pid"`
	RSS   uint64    `json:"rss"`
	Limit int64     `json:"limit"`
	At    time.Time `json:"at"`
}

func (e LimitExceeded) Type() uint32 { return TypeLimitExceeded }

// Bus fans lifecycle events out to subscribers. Each subscriber receives
// events in publish order on its own goroutine, so a slow subscriber never
// blocks an instance's state machine.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes an event to all subscribers. A nil bus drops it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case LimitExceeded:
		event.Publish(b.dispatcher, e)
	}
}

// OnStateChanged registers fn and returns the unsubscribe function.
func (b *Bus) OnStateChanged(fn func(StateChanged)) func() {
	return event.Subscribe(b.dispatcher, fn)
}

// OnLimitExceeded registers fn and returns the unsubscribe function.
func (b *Bus) OnLimitExceeded(fn func(LimitExceeded)) func() {
	return event.Subscribe(b.dispatcher, fn)
}
