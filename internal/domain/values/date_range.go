package values

import (
	"fmt"
	"time"
)

// DateRange is an inclusive range of calendar days in UTC
type DateRange struct {
	From time.Time
	To   time.Time
}

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDateRange creates an inclusive day range
func NewDateRange(from, to time.Time) (DateRange, error) {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return DateRange{}, fmt.Errorf("date range end %s before start %s",
			to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	return DateRange{From: from, To: to}, nil
}

// Around returns the range of days within window days either side of day
func Around(day time.Time, windowDays int) DateRange {
	d := Day(day)
	if windowDays < 0 {
		windowDays = 0
	}
	return DateRange{
		From: d.AddDate(0, 0, -windowDays),
		To:   d.AddDate(0, 0, windowDays),
	}
}

// Trailing returns the windowDays-day range ending on day
func Trailing(day time.Time, windowDays int) DateRange {
	d := Day(day)
	if windowDays < 1 {
		windowDays = 1
	}
	return DateRange{From: d.AddDate(0, 0, -(windowDays - 1)), To: d}
}

// Contains reports whether t falls on a day inside the range
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.From) && !d.After(r.To)
}

// Overlaps reports whether two ranges share at least one day
func (r DateRange) Overlaps(other DateRange) bool {
	return !r.To.Before(other.From) && !other.To.Before(r.From)
}

// Days returns the number of days in the range
func (r DateRange) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}
