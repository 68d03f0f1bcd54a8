package webhook

import "time"

// retrySchedule is the delay before each attempt: the first attempt is
// immediate, then 1m, 5m, 30m and 2h after successive transient failures.
var retrySchedule = [...]time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// RetryDelay returns the wait before attempt n (1-indexed) and whether the
// attempt budget still allows it.
func RetryDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(retrySchedule) {
		return 0, false
	}
	return retrySchedule[attempt-1], true
}
