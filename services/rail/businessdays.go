package rail

import "time"

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// AddBusinessDays moves n weekdays past t, keeping the time of day. With
// n == 0 a weekend start rolls to the following Monday.
func AddBusinessDays(t time.Time, n int) time.Time {
	out := t
	for added := 0; added < n; {
		out = out.AddDate(0, 0, 1)
		if !isWeekend(out) {
			added++
		}
	}
	for isWeekend(out) {
		out = out.AddDate(0, 0, 1)
	}
	return out
}

// Window is an arrival range relative to a start time.
type Window func(country string, from time.Time) (min, max time.Time)

func durationWindow(lo, hi time.Duration) Window {
	return func(_ string, from time.Time) (time.Time, time.Time) {
		return from.Add(lo), from.Add(hi)
	}
}

func businessDayWindow(lo, hi int) Window {
	return func(_ string, from time.Time) (time.Time, time.Time) {
		return AddBusinessDays(from, lo), AddBusinessDays(from, hi)
	}
}
