// Package timewin reduces sets of clip start/end timestamps to a single
// per-channel activity window on one reporting day.
package timewin

import (
	"fmt"
	"time"
)

// Clock layout of all upstream per-day timestamps. Fixed-width and
// zero-padded, so plain string comparison gives chronological order.
const ClockLayout = "15:04:05"

// EndOfDay replaces a reduced end time of exactly midnight. Upstream
// reports a clip running until end of day as 00:00:00, which would
// otherwise sort before every real end time.
const EndOfDay = "23:59:59"

const midnight = "00:00:00"

// ParseClock validates an HH:MM:SS wall-clock string and returns it in
// canonical form. Malformed values are reported so callers can skip the
// observation instead of aborting the reduction.
func ParseClock(s string) (string, error) {
	if len(s) != len(ClockLayout) {
		return "", fmt.Errorf("bad clock value %q: want HH:MM:SS", s)
	}
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return "", fmt.Errorf("bad clock value %q: %w", s, err)
	}
	return t.Format(ClockLayout), nil
}

// Span is one raw (start, end) observation. Either side may be empty.
type Span struct {
	Start string
	End   string
}

// Window is the reduced result: the earliest valid start and the latest
// valid end across all observations, after midnight correction.
type Window struct {
	Start string
	End   string
}

// Reduce collapses spans into a Window. Spans whose times fail to parse
// contribute nothing; if no side ever parsed, ok is false and the channel
// has no window at all (not a zero-duration one). The midnight-to-end-of-
// day correction happens per observation, before the max comparison, so a
// clip running to midnight beats an explicit 23:59:00 end.
func Reduce(spans []Span) (w Window, ok bool) {
	for _, s := range spans {
		if start, err := ParseClock(s.Start); err == nil {
			if w.Start == "" || start < w.Start {
				w.Start = start
			}
		}
		if end, err := ParseClock(s.End); err == nil {
			if end == midnight {
				end = EndOfDay
			}
			if w.End == "" || end > w.End {
				w.End = end
			}
		}
	}
	return w, w.Start != "" || w.End != ""
}

// CorrectEnd applies the midnight rollover fix to an already reduced end
// time. Exposed for adapters that track the latest end incrementally.
func CorrectEnd(end string) string {
	if end == midnight {
		return EndOfDay
	}
	return end
}
