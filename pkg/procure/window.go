package procure

import "time"

// MaxSearchDays bounds the date window of a free-text search. Substring
// scans against the external store are expensive; date-only browsing stays
// unrestricted.
const MaxSearchDays = 30

// ApplyWindow rewrites the date range of a Filter when free-text search is
// requested, returning the resolved filter and an advisory message for the
// user. It must run before BuildWhere.
func ApplyWindow(f Filter, now time.Time) (Filter, string) {
	if f.SearchText == "" {
		return f, ""
	}
	switch {
	case f.DateFrom == nil && f.DateTo == nil:
		end := dateOnly(now)
		start := end.AddDate(0, 0, -(MaxSearchDays - 1))
		f.DateFrom, f.DateTo = &start, &end
		return f, "search limited to the last 30 days"
	case f.DateFrom != nil && f.DateTo == nil:
		end := f.DateFrom.AddDate(0, 0, MaxSearchDays)
		f.DateTo = &end
		return f, "window limited to 30 days from the given start"
	case f.DateFrom == nil && f.DateTo != nil:
		start := f.DateTo.AddDate(0, 0, -MaxSearchDays)
		f.DateFrom = &start
		return f, "window limited to 30 days before the given end"
	default:
		if f.DateTo.Sub(*f.DateFrom) > MaxSearchDays*24*time.Hour {
			start := f.DateTo.AddDate(0, 0, -MaxSearchDays)
			f.DateFrom = &start
			return f, "window clamped to 30 days"
		}
		return f, ""
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
