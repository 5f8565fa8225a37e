// Package quiet decides whether a local instant falls inside a recipient's
// quiet window and, if so, when the window next opens.
package quiet

import "time"

// Window is a per-recipient quiet window in local 0-23 hours. A window whose
// start hour is greater than its end hour spans midnight (22-7 means quiet
// from 22:00 through 06:59). A zero-length window (start == end) means never
// quiet; treating it as all-day quiet would lock the recipient out entirely.
type Window struct {
	StartHour int
	EndHour   int
}

// Zero reports whether the window is disabled.
func (w Window) Zero() bool {
	return w.StartHour == w.EndHour
}

// IsQuiet reports whether t (already in the recipient's local zone) falls
// inside the window.
func IsQuiet(t time.Time, w Window) bool {
	if w.Zero() {
		return false
	}

	hour := t.Hour()
	if w.StartHour > w.EndHour {
		// spans midnight
		return hour >= w.StartHour || hour < w.EndHour
	}
	return hour >= w.StartHour && hour < w.EndHour
}

// NextSendable returns the next occurrence of EndHour:00 local time strictly
// after t, rolling to the next calendar day when today's opening has already
// passed. Callers should only ask for a quiet instant, but the roll-forward
// makes the answer correct either way.
func NextSendable(t time.Time, w Window) time.Time {
	if w.Zero() {
		return t
	}

	open := time.Date(t.Year(), t.Month(), t.Day(), w.EndHour, 0, 0, 0, t.Location())
	if !open.After(t) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
