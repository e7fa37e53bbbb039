// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements analysis.Clock. Times are UTC; the scheduler and the worker
// convert them to the configured time zone when they pick the analysis day.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
