// Package clock abstracts wall-clock time so activity tracking and record
// timestamps can be driven deterministically in tests.
package clock

import "time"

// Clock returns the current time.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// Or returns c, or Real if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
