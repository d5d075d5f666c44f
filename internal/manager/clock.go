package manager

import "github.com/jonboulle/clockwork"

// Clock drives restart delays and kill timeouts. Tests substitute
// clockwork's fake clock.
type Clock = clockwork.Clock

// Timer is a pending call created by Clock.AfterFunc.
type Timer = clockwork.Timer

// RealClock is the wall clock.
func RealClock() Clock { return clockwork.NewRealClock() }
