// Package calendar implements working-day arithmetic for order-date
// backscheduling. A tenant-specific calendar (working weekdays, holidays,
// working hours) takes priority over the built-in Monday-Friday default.
package calendar

import (
	"time"
)

// DefaultWorkingHours is used when a calendar does not define hours.
const DefaultWorkingHours = 8.0

// Calendar describes which days count as working days for a tenant.
type Calendar struct {
	// workingWeekdays holds the weekdays production runs on
	workingWeekdays map[time.Weekday]bool
	// holidays are non-working dates regardless of weekday (UTC midnight)
	holidays map[time.Time]bool
	// hoursPerDay is the effective working hours on a working day
	hoursPerDay float64
}

// Default returns the Monday-Friday calendar with standard hours.
func Default() *Calendar {
	return New([]time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}, nil, DefaultWorkingHours)
}

// New builds a calendar from explicit working weekdays and holidays.
func New(weekdays []time.Weekday, holidays []time.Time, hoursPerDay float64) *Calendar {
	c := &Calendar{
		workingWeekdays: make(map[time.Weekday]bool, len(weekdays)),
		holidays:        make(map[time.Time]bool, len(holidays)),
		hoursPerDay:     hoursPerDay,
	}
	for _, wd := range weekdays {
		c.workingWeekdays[wd] = true
	}
	for _, h := range holidays {
		c.holidays[DateOf(h)] = true
	}
	if c.hoursPerDay <= 0 {
		c.hoursPerDay = DefaultWorkingHours
	}
	return c
}

// IsWorkingDay reports whether the given date is a working day.
func (c *Calendar) IsWorkingDay(date time.Time) bool {
	d := DateOf(date)
	if !c.workingWeekdays[d.Weekday()] {
		return false
	}
	return !c.holidays[d]
}

// WorkingHours returns the effective working hours for a date, 0 for
// non-working days.
func (c *Calendar) WorkingHours(date time.Time) float64 {
	if !c.IsWorkingDay(date) {
		return 0
	}
	return c.hoursPerDay
}

// SubtractWorkingDays walks backwards from date until n working days have
// been consumed. With n=0 it returns the date unchanged. The walk is capped
// so a calendar with no working days at all cannot loop forever.
func (c *Calendar) SubtractWorkingDays(date time.Time, n int) time.Time {
	d := DateOf(date)
	if n <= 0 {
		return d
	}

	// A week with zero working days would never terminate; the cap bounds
	// the scan to a generous multiple of the requested offset.
	maxScan := n*7 + 366
	remaining := n
	for i := 0; i < maxScan && remaining > 0; i++ {
		d = d.AddDate(0, 0, -1)
		if c.IsWorkingDay(d) {
			remaining--
		}
	}
	return d
}

// AddWorkingDays walks forward from date until n working days have passed.
func (c *Calendar) AddWorkingDays(date time.Time, n int) time.Time {
	d := DateOf(date)
	if n <= 0 {
		return d
	}

	maxScan := n*7 + 366
	remaining := n
	for i := 0; i < maxScan && remaining > 0; i++ {
		d = d.AddDate(0, 0, 1)
		if c.IsWorkingDay(d) {
			remaining--
		}
	}
	return d
}

// DateOf truncates a timestamp to UTC midnight. All planning-horizon
// bucketing uses this normalization.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
