// Package abuse watches per-subject security event volume over a trailing
// window and flags subjects whose activity crosses the abuse threshold.
//
// The tracker derives counts from the audit trail rather than keeping its own
// counters, so a restart cannot lose burst history that the trail still holds.
// Crossing the threshold raises exactly one suspicious_activity_detected flag;
// the flag re-arms once the subject's window drains back under the threshold.
package abuse

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/checkpoint/internal/audit"
	"github.com/mbd888/checkpoint/internal/metrics"
)

// Default window parameters.
const (
	DefaultWindow    = 15 * time.Minute
	DefaultThreshold = 20
)

// Status is the result of one window check.
type Status struct {
	SubjectID  string    `json:"subjectId"`
	EventCount int       `json:"eventCount"`
	Exceeded   bool      `json:"exceeded"`
	WindowFrom time.Time `json:"windowFrom"`
}

// Tracker counts a subject's recent security events against the threshold.
type Tracker struct {
	trail     *audit.Trail
	logger    *slog.Logger
	window    time.Duration
	threshold int

	mu      sync.Mutex
	flagged map[string]bool // subjects currently over the threshold
}

// NewTracker creates a tracker over the given audit trail.
func NewTracker(trail *audit.Trail, logger *slog.Logger, window time.Duration, threshold int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		trail:     trail,
		logger:    logger,
		window:    window,
		threshold: threshold,
		flagged:   make(map[string]bool),
	}
}

// Window returns the configured trailing window.
func (t *Tracker) Window() time.Duration { return t.window }

// Threshold returns the configured event count threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// Check counts the subject's events in the trailing window against the
// threshold. Read-only: it writes nothing to the trail and leaves the flag
// state untouched, so callers can probe the window without audit-log
// amplification.
func (t *Tracker) Check(ctx context.Context, subjectID string) (Status, error) {
	since := time.Now().UTC().Add(-t.window)
	events, err := t.trail.QueryWindow(ctx, subjectID, since)
	if err != nil {
		return Status{}, err
	}

	return Status{
		SubjectID:  subjectID,
		EventCount: len(events),
		Exceeded:   len(events) > t.threshold,
		WindowFrom: since,
	}, nil
}

// FlagIfCrossed records one suspicious_activity_detected event per threshold
// crossing for the checked status. Calls while the subject stays over the
// threshold do not flag again; a status showing the window drained under the
// threshold re-arms the flag. Returns true when this call raised the flag.
func (t *Tracker) FlagIfCrossed(ctx context.Context, status Status) bool {
	t.mu.Lock()
	already := t.flagged[status.SubjectID]
	if status.Exceeded {
		t.flagged[status.SubjectID] = true
	} else {
		delete(t.flagged, status.SubjectID)
	}
	t.mu.Unlock()

	if !status.Exceeded || already {
		return false
	}
	t.flag(ctx, status.SubjectID, status)
	return true
}

// flag records the suspicious-activity event for a fresh crossing.
func (t *Tracker) flag(ctx context.Context, subjectID string, status Status) {
	metrics.AbuseFlagsTotal.Inc()
	t.logger.Warn("abuse threshold crossed",
		"subject", subjectID,
		"events_in_window", status.EventCount,
		"threshold", t.threshold,
	)
	t.trail.Record(ctx, &audit.SecurityEvent{
		SubjectID: subjectID,
		EventType: audit.EventSuspiciousActivity,
		Severity:  audit.SeverityHigh,
		Detail: map[string]string{
			"eventsInWindow": strconv.Itoa(status.EventCount),
			"threshold":      strconv.Itoa(t.threshold),
			"windowSeconds":  strconv.Itoa(int(t.window.Seconds())),
		},
	})
}
