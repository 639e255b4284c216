// Package system provides the wall clock used to stamp stored records.
package system

import (
	"fmt"
	"time"
)

// Clock implements crawler.Clock in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting UTC.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewInZone creates a Clock reporting times in the named IANA zone. An empty
// name means UTC.
func NewInZone(name string) (*Clock, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time truncated to the second, the resolution record
// sinks keep.
func (c *Clock) Now() time.Time {
	loc := c.loc
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Truncate(time.Second)
}

// Location reports the zone the clock stamps times in.
func (c *Clock) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}
