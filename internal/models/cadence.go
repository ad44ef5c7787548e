package models

import (
	"fmt"
	"time"
)

type Cadence string

const (
	CadenceRealtime   Cadence = "1m"
	CadenceHistorical Cadence = "5m"
)

// Step returns the sampling interval of the cadence.
func (c Cadence) Step() time.Duration {
	switch c {
	case CadenceRealtime:
		return time.Minute
	case CadenceHistorical:
		return 5 * time.Minute
	default:
		return 0
	}
}

func (c Cadence) Valid() bool {
	return c.Step() > 0
}

// Align truncates t to the cadence boundary in UTC.
func (c Cadence) Align(t time.Time) time.Time {
	return t.UTC().Truncate(c.Step())
}

// AlignUp returns the first cadence boundary at or after t.
func (c Cadence) AlignUp(t time.Time) time.Time {
	aligned := c.Align(t)
	if aligned.Before(t) {
		aligned = aligned.Add(c.Step())
	}
	return aligned
}

func ParseCadence(s string) (Cadence, error) {
	c := Cadence(s)
	if !c.Valid() {
		return "", fmt.Errorf("unsupported cadence %q", s)
	}
	return c, nil
}
