package history

import (
	"context"
	"time"

	"github.com/loykin/appvisor/internal/events"
	"github.com/loykin/appvisor/internal/process"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventCrash EventType = "crash"
	EventFail  EventType = "fail"
	EventLimit EventType = "limit"
)

// Record is the instance snapshot stored with each event.
type Record struct {
	Name     string `json:"name"`
	App      string `json:"app"`
	RunID    string `json:"run_id,omitempty"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	Restarts int    `json:"restarts"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Key identifies the run a record belongs to.
func (r Record) Key() string {
	if r.RunID != "" {
		return r.RunID
	}
	return r.Name
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromStateChanged maps a state transition to a history event. Transient
// states (starting, stopping) are not recorded.
func FromStateChanged(sc events.StateChanged) (Event, bool) {
	var t EventType
	switch process.State(sc.To) {
	case process.StateRunning:
		t = EventStart
	case process.StateStopped:
		t = EventStop
	case process.StateCrashed:
		t = EventCrash
	case process.StateFailed:
		t = EventFail
	default:
		return Event{}, false
	}
	return Event{
		Type:       t,
		OccurredAt: sc.At.UTC(),
		Record: Record{
			Name:     sc.Name,
			App:      sc.App,
			RunID:    sc.RunID,
			PID:      sc.PID,
			State:    sc.To,
			ExitCode: sc.ExitCode,
			Signal:   sc.Signal,
			Restarts: sc.Restarts,
			Reason:   sc.Reason,
			Error:    sc.Err,
		},
	}, true
}

// FromLimitExceeded records a memory limit breach.
func FromLimitExceeded(le events.LimitExceeded) Event {
	return Event{
		Type:       EventLimit,
		OccurredAt: le.At.UTC(),
		Record: Record{
			Name:   le.Name,
			PID:    le.PID,
			State:  string(process.StateRunning),
			Reason: "memory limit exceeded",
		},
	}
}
