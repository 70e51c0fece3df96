// Package audit implements the append-only security event trail.
//
// Every verification decision, detected threat, and abuse flag becomes one
// immutable SecurityEvent. The core only appends and reads; retention and
// deletion are concerns of the backing store. Writes are best-effort: a
// failed write is logged and counted but never surfaces into the decision
// path of the action being protected.
package audit

import (
	"context"
	"errors"
	"time"
)

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types written by the verification pipeline.
const (
	EventVerificationAllowed = "verification_allowed"
	EventVerificationDenied  = "verification_denied"
	EventVerificationError   = "verification_error"
	EventThreatDetected      = "threat_detected"
	EventSuspiciousActivity  = "suspicious_activity_detected"
)

var ErrEventNotFound = errors.New("security event not found")

// SecurityEvent is an immutable audit record. Never mutated or deleted once
// recorded.
type SecurityEvent struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subjectId"`
	EventType  string            `json:"eventType"`
	Severity   Severity          `json:"severity"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Store persists security events. Implementations must allow concurrent
// Record calls for different subjects without losing writes, and QueryWindow
// must reflect all writes that completed before the query started.
type Store interface {
	Record(ctx context.Context, event *SecurityEvent) error
	QueryRecent(ctx context.Context, subjectID string, limit int) ([]*SecurityEvent, error)
	QueryWindow(ctx context.Context, subjectID string, since time.Time) ([]*SecurityEvent, error)
}
