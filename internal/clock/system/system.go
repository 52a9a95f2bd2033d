// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements rag.Clock. Times are UTC and truncated to microseconds so
// they survive a round trip through Postgres timestamptz unchanged.
type Clock struct {
	now func() time.Time
}

// New creates a Clock backed by time.Now.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}
