package core

import "time"

// Clock is the time source of the engine. Schedules, claims and leases all read time
// through it so tests can drive them with a fake.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// After delivers the time once d has passed.
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func NewRealClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time                         { return time.Now().UTC() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
