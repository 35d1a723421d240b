package creditmeter

import "time"

// validatePeriod rejects the malformed period data upstream billing events
// are known to produce: zero/missing instants, pre-epoch values, or an
// inverted range. currentPeriodStart must strictly precede currentPeriodEnd.
func validatePeriod(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return ErrInvalidPeriod
	}
	if start.Unix() <= 0 || end.Unix() <= 0 {
		return ErrInvalidPeriod
	}
	if !start.Before(end) {
		return ErrInvalidPeriod
	}
	return nil
}

// isNewCycle compares an incoming period start against the stored one.
// A differing (or first-ever) start marks a new billing cycle and warrants
// a credit refresh; an equal start is a duplicate or retried event for the
// same cycle and must not re-refresh.
func isNewCycle(stored *time.Time, incoming time.Time) bool {
	return stored == nil || !stored.Equal(incoming)
}

// addMonthsSafe adds months to a time, clipping to the last day of the
// target month when the anniversary day does not exist there (e.g. Jan 31
// + 1 month = Feb 28/29).
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, target.Location()).Day()
	if day > lastDay {
		day = lastDay
	}

	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
