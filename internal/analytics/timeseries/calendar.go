package timeseries

import "time"

// Calendar holds the calendar features of a window start.
type Calendar struct {
	Hour    int // 0-23
	Weekday int // Monday=0 ... Sunday=6
	Day     int // 1-31
}

// CalendarOf derives calendar features of t in loc (UTC when nil).
func CalendarOf(t time.Time, loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Calendar{
		Hour:    local.Hour(),
		Weekday: (int(local.Weekday()) + 6) % 7,
		Day:     local.Day(),
	}
}

// IsWeekend reports whether the calendar day is Saturday or Sunday.
func (c Calendar) IsWeekend() bool {
	return c.Weekday >= 5
}
