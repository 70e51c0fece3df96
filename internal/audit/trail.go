package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/checkpoint/internal/idgen"
	"github.com/mbd888/checkpoint/internal/metrics"
)

// Publisher receives every successfully recorded event, e.g. for a live
// monitoring feed. Publish must not block.
type Publisher interface {
	Publish(event *SecurityEvent)
}

// Trail wraps a Store with best-effort append semantics. A store failure is
// logged and counted, then a verification_error marker is attempted once; if
// the store is unreachable the failure is dropped. The caller always gets an
// event ID back and is never blocked on storage.
type Trail struct {
	store     Store
	logger    *slog.Logger
	publisher Publisher
}

// NewTrail creates an audit trail over the given store.
func NewTrail(store Store, logger *slog.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// SetPublisher attaches a live feed for recorded events. Call before serving.
func (t *Trail) SetPublisher(p Publisher) {
	t.publisher = p
}

// Record appends a security event, assigning an ID and timestamp when the
// caller left them empty. Returns the event ID.
func (t *Trail) Record(ctx context.Context, event *SecurityEvent) string {
	if event.ID == "" {
		event.ID = idgen.Event()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := t.store.Record(ctx, event); err != nil {
		metrics.AuditWriteFailures.Inc()
		t.logger.Error("audit write failed",
			"event_type", event.EventType,
			"subject", event.SubjectID,
			"error", err,
		)
		t.recordWriteFailure(ctx, event, err)
	} else if t.publisher != nil {
		t.publisher.Publish(event)
	}
	return event.ID
}

// recordWriteFailure leaves a verification_error marker for a dropped event.
// Best-effort only; if this write also fails the failure is silently dropped
// so storage trouble can never cascade into the protected action.
func (t *Trail) recordWriteFailure(ctx context.Context, dropped *SecurityEvent, cause error) {
	marker := &SecurityEvent{
		ID:        idgen.Event(),
		SubjectID: dropped.SubjectID,
		EventType: EventVerificationError,
		Severity:  SeverityMedium,
		Detail: map[string]string{
			"reason":       "audit_write_failed",
			"droppedType":  dropped.EventType,
			"storageError": cause.Error(),
		},
		OccurredAt: time.Now().UTC(),
	}
	_ = t.store.Record(ctx, marker)
}

// QueryRecent returns the most recent events for a subject, newest first.
func (t *Trail) QueryRecent(ctx context.Context, subjectID string, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.QueryRecent(ctx, subjectID, limit)
}

// QueryWindow returns a subject's events with occurredAt at or after since.
func (t *Trail) QueryWindow(ctx context.Context, subjectID string, since time.Time) ([]*SecurityEvent, error) {
	return t.store.QueryWindow(ctx, subjectID, since)
}
