// Package system provides the wall-clock implementation of ingest.Clock.
package system

import "time"

// Clock reads the system time.
type Clock struct{}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
