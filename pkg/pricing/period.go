package pricing

import "time"

// PeriodLength is the fixed length of a billing period.
const PeriodLength = 30 * 24 * time.Hour

// PeriodStart truncates t to midnight UTC.
func PeriodStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Period returns the billing period [start, start+30d).
func Period(start time.Time) (time.Time, time.Time) {
	return start, start.Add(PeriodLength)
}

// NextPeriod returns the period that immediately follows one ending at end.
func NextPeriod(end time.Time) (time.Time, time.Time) {
	return Period(end)
}
