package sla

import (
	"fmt"
	"time"
)

// Hours is a weekly working schedule: Monday to Friday, Start:00 to End:00 local time.
type Hours struct {
	Location *time.Location
	Start    int
	End      int
}

var DefaultHours = Hours{Location: time.UTC, Start: 9, End: 17}

func (h Hours) validate() error {
	if h.Start < 0 || h.End > 24 || h.Start >= h.End {
		return fmt.Errorf("sla: invalid business hours %02d-%02d", h.Start, h.End)
	}
	return nil
}

func (h Hours) loc() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

// Between returns the business time elapsed from from to to.
func (h Hours) Between(from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	loc := h.loc()
	from, to = from.In(loc), to.In(loc)

	var total time.Duration
	y, m, d := from.Date()
	for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), h.Start, 0, 0, 0, loc)
		closing := time.Date(day.Year(), day.Month(), day.Day(), h.End, 0, 0, 0, loc)
		s, e := open, closing
		if from.After(s) {
			s = from
		}
		if to.Before(e) {
			e = to
		}
		if e.After(s) {
			total += e.Sub(s)
		}
	}
	return total
}
