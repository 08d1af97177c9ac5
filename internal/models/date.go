package models

import "time"

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to the calendar day it falls on in loc, returned as
// midnight UTC so it compares cleanly with DATE columns.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC date.
func ParseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, raw, time.UTC)
}
