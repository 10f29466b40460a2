// Package classify applies the business rules that turn a channel's
// merged tagging/QC end times into a discrete completion status, plus the
// coarser per-cluster completion rules used by the progress views.
package classify

import (
	"strconv"
	"strings"
)

// Completion thresholds, all wall-clock HH:MM:SS on the reporting day.
const (
	// TaggingCompleteThreshold is the logger end time at which tagging
	// counts as finished for the day.
	TaggingCompleteThreshold = "23:25:00"
	// QCCatchupThreshold is the QC end time that, combined with finished
	// tagging, counts as QC done.
	QCCatchupThreshold = "23:00:00"
	// QCDoneThreshold is the QC end time that counts as done outright.
	QCDoneThreshold = "23:30:00"
)

// Status is the per-channel completion state, ordered by display rank.
type Status int

const (
	EligibleDefault Status = iota
	EligibleCatchup
	TaggingInProgress
	QCDone
)

// String returns the dashboard label for the status.
func (s Status) String() string {
	switch s {
	case QCDone:
		return "QC DONE"
	case TaggingInProgress:
		return "Tagging in Progress"
	case EligibleCatchup:
		return "Eligible to Pull (Catch-up)"
	default:
		return "Eligible to Pull (Default)"
	}
}

// Class returns the CSS class the dashboard styles the row with.
func (s Status) Class() string {
	switch s {
	case QCDone:
		return "status-completed"
	case TaggingInProgress:
		return "status-progress"
	default:
		return "status-eligible"
	}
}

// Rank is the sort key for list presentation: eligible channels first,
// finished ones last.
func (s Status) Rank() int { return int(s) }

// Classify derives the status from a channel's latest logger end time and
// latest QC end time. Empty strings mean the time is absent; qcMatched
// records whether a QC-side channel was reconciled at all, even if it had
// no usable time. Times are fixed-width HH:MM:SS so string comparison is
// chronological.
func Classify(loggerEnd, qcEnd string, qcMatched bool) Status {
	taggingComplete := loggerEnd != "" && loggerEnd >= TaggingCompleteThreshold
	switch {
	case qcEnd != "" && qcEnd >= QCDoneThreshold:
		return QCDone
	case taggingComplete && qcEnd != "" && qcEnd >= QCCatchupThreshold:
		return QCDone
	case !taggingComplete:
		return TaggingInProgress
	case qcMatched:
		return EligibleCatchup
	default:
		return EligibleDefault
	}
}

// Cluster-level completion thresholds. These consume different upstream
// fields than Classify: one reads merged clip end times, the other a
// reported duration total and a pending-QC record count.
const (
	// ClusterCompleteHours is the minimum summed logger duration.
	ClusterCompleteHours = 17.0
	// ClusterMaxPendingQC is the exclusive upper bound on pending QC records.
	ClusterMaxPendingQC = 100
	// PendingQCUnknown marks a channel whose grid rows never carried a
	// valid pending count. High so the channel can never count complete.
	PendingQCUnknown = 999999
	// LowDurationThreshold flags channels whose latest end time across all
	// source rows is still before this clock time.
	LowDurationThreshold = "23:00:00"
)

// ChannelCompletion accumulates the cluster-rule inputs for one channel
// across its grid rows.
type ChannelCompletion struct {
	TotalHours float64
	PendingQC  int
}

// NewChannelCompletion starts with an unknown pending count.
func NewChannelCompletion() ChannelCompletion {
	return ChannelCompletion{PendingQC: PendingQCUnknown}
}

// Complete reports whether the channel passes both cluster thresholds.
func (c ChannelCompletion) Complete() bool {
	return c.TotalHours >= ClusterCompleteHours && c.PendingQC < ClusterMaxPendingQC
}

// ParseDurationHours converts an "H:MM:SS" duration token into fractional
// hours. Hours are not zero-padded upstream and minutes/seconds may be
// missing entirely.
func ParseDurationHours(token string) (float64, bool) {
	parts := strings.Split(token, ":")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return 0, false
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	minutes, seconds := 0, 0
	if len(parts) > 1 {
		if minutes, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
			return 0, false
		}
	}
	if len(parts) > 2 {
		if seconds, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
			return 0, false
		}
	}
	return float64(hours) + float64(minutes)/60.0 + float64(seconds)/3600.0, true
}

// LowDuration reports whether a channel's latest observed end time leaves
// it flagged on the cluster view.
func LowDuration(latestEnd string) bool {
	return latestEnd < LowDurationThreshold
}
