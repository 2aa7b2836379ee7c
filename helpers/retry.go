package helpers

import (
	"fmt"
	"strings"
	"time"
)

// RetrySchedule is an ordered table of delays between consecutive failed attempts.
// Attempt counter indexes into it, values past the end are clamped to the last entry.
//
// Use scenario:
//
//	delay := schedule.Delay(failures)
//	failures++
//	time.AfterFunc(delay, retry)
type RetrySchedule []time.Duration

var DefaultRetrySchedule = RetrySeconds(1, 1, 1, 5, 5, 5, 10, 10, 10, 60)

func RetrySeconds(secs ...int) RetrySchedule {
	rs := make(RetrySchedule, len(secs))
	for i, s := range secs {
		rs[i] = time.Duration(s) * time.Second
	}
	return rs
}

// Delay returns wait duration before retry number `attempt` (0 based).
// Empty schedule means retry immediately.
func (rs RetrySchedule) Delay(attempt int) time.Duration {
	if len(rs) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(rs) {
		attempt = len(rs) - 1
	}
	return rs[attempt]
}

func (rs RetrySchedule) String() string {
	ss := make([]string, len(rs))
	for i, d := range rs {
		ss[i] = d.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(ss, ","))
}
