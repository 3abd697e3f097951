// Package week maps wall-clock time to distribution week numbers.
//
// Week 1 starts on the calendar's epoch Monday at 00:00 UTC and every week is
// exactly seven days long. Week numbers never wrap at year boundaries.
package week

import (
	"errors"
	"fmt"
	"time"
)

const Length = 7 * 24 * time.Hour

// DefaultEpoch is the Monday on which week 1 starts.
var DefaultEpoch = time.Date(2024, time.November, 11, 0, 0, 0, 0, time.UTC)

// Calendar converts between times and week numbers relative to an epoch Monday.
type Calendar struct {
	epoch time.Time
}

func NewCalendar(epoch time.Time) (Calendar, error) {
	epoch = epoch.UTC()
	if epoch.Weekday() != time.Monday {
		return Calendar{}, fmt.Errorf("epoch must be a Monday, got %s", epoch.Weekday())
	}
	if epoch.Hour() != 0 || epoch.Minute() != 0 || epoch.Second() != 0 || epoch.Nanosecond() != 0 {
		return Calendar{}, errors.New("epoch must be at midnight UTC")
	}
	return Calendar{epoch: epoch}, nil
}

// Default returns the calendar anchored on DefaultEpoch.
func Default() Calendar {
	return Calendar{epoch: DefaultEpoch}
}

func (c Calendar) Epoch() time.Time {
	return c.epoch
}

// Number returns the week containing t. Times before the epoch return 0.
func (c Calendar) Number(t time.Time) uint64 {
	d := t.UTC().Sub(c.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d/Length) + 1
}

// Window returns the inclusive start and exclusive end of week n.
func (c Calendar) Window(n uint64) (time.Time, time.Time) {
	if n == 0 {
		return time.Time{}, time.Time{}
	}
	start := c.epoch.Add(time.Duration(n-1) * Length)
	return start, start.Add(Length)
}

// Dates returns the first and last calendar day of week n as YYYY-MM-DD.
func (c Calendar) Dates(n uint64) (string, string) {
	start, end := c.Window(n)
	if start.IsZero() {
		return "", ""
	}
	return start.Format(time.DateOnly), end.Add(-time.Nanosecond).Format(time.DateOnly)
}

// Previous returns the last fully completed week at t.
func (c Calendar) Previous(t time.Time) uint64 {
	n := c.Number(t)
	if n == 0 {
		return 0
	}
	return n - 1
}
