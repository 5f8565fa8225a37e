// Package retry holds the shared backoff policy for delivery attempts. The
// policy is stateless per call: all attempt state lives on the record being
// retried, so the same logic serves a cron sweep or an inline batch loop.
package retry

import "time"

// Default backoff values matching the bulk delivery path.
var DefaultSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

const DefaultMaxAttempts = 3

// Policy is a fixed backoff table with an attempt cap.
type Policy struct {
	Schedule    []time.Duration
	MaxAttempts int
}

// NewPolicy returns a policy, falling back to the defaults for zero values.
func NewPolicy(schedule []time.Duration, maxAttempts int) Policy {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{Schedule: schedule, MaxAttempts: maxAttempts}
}

// Delay returns the wait before the next try after the given attempt count
// (1-based: attempts=1 means one attempt has failed). Indexes the schedule by
// attempts-1 and clamps to the last entry.
func (p Policy) Delay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}

// Outcome describes what a failed attempt means for the record.
type Outcome struct {
	Attempts    int
	Terminal    bool
	NextRetryAt *time.Time
}

// OnFailure increments the attempt count and decides between terminal failure
// and a scheduled retry. attempts is the count before this failure.
func (p Policy) OnFailure(attempts int, now time.Time) Outcome {
	next := attempts + 1
	if next >= p.MaxAttempts {
		return Outcome{Attempts: next, Terminal: true}
	}

	retryAt := now.Add(p.Delay(next))
	return Outcome{Attempts: next, NextRetryAt: &retryAt}
}
