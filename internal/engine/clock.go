package engine

import "time"

// Clock supplies recording time (ingested_at, completed_at).
//
// Business time never comes from the Clock: occurred_at is taken from the
// event draft or the command's requested_at, so replaying a command log
// reproduces the same event IDs regardless of when the replay runs.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
