package events

import (
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := New()
	got := make(chan StateChanged, 3)
	unsub := bus.OnStateChanged(func(e StateChanged) { got <- e })
	defer unsub()

	for _, to := range []string{"starting", "running", "crashed"} {
		bus.Publish(StateChanged{Name: "w", To: to})
	}
	for _, want := range []string{"starting", "running", "crashed"} {
		select {
		case e := <-got:
			if e.To != want {
				t.Fatalf("got %q, want %q", e.To, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	got := make(chan LimitExceeded, 1)
	unsub := bus.OnLimitExceeded(func(e LimitExceeded) { got <- e })
	unsub()
	bus.Publish(LimitExceeded{Name: "w"})
	select {
	case <-got:
		t.Fatal("unsubscribed handler must not be called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(StateChanged{Name: "w"})
}
