package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStore_RecordAndQueryRecent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		err := store.Record(ctx, &SecurityEvent{
			ID:         "evt_" + string(rune('a'+i)),
			SubjectID:  "subj-1",
			EventType:  EventThreatDetected,
			Severity:   SeverityLow,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := store.QueryRecent(ctx, "subj-1", 3)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ID != "evt_e" || events[2].ID != "evt_c" {
		t.Errorf("wrong order: %s .. %s, want newest first", events[0].ID, events[2].ID)
	}

	other, err := store.QueryRecent(ctx, "subj-unknown", 10)
	if err != nil {
		t.Fatalf("QueryRecent unknown subject: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unknown subject returned %d events", len(other))
	}
}

func TestMemoryStore_QueryWindowBoundary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Now().UTC()

	times := map[string]time.Time{
		"evt_before": cutoff.Add(-time.Second),
		"evt_at":     cutoff,
		"evt_after":  cutoff.Add(time.Second),
	}
	for id, ts := range times {
		_ = store.Record(ctx, &SecurityEvent{
			ID: id, SubjectID: "subj-1", EventType: EventThreatDetected,
			Severity: SeverityLow, OccurredAt: ts,
		})
	}

	events, err := store.QueryWindow(ctx, "subj-1", cutoff)
	if err != nil {
		t.Fatalf("QueryWindow: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (boundary is inclusive)", len(events))
	}
	for _, e := range events {
		if e.ID == "evt_before" {
			t.Errorf("event before the window was returned")
		}
	}
}

func TestMemoryStore_ClonesEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := &SecurityEvent{
		ID: "evt_1", SubjectID: "subj-1", EventType: EventThreatDetected,
		Severity: SeverityLow, Detail: map[string]string{"k": "v"},
		OccurredAt: time.Now().UTC(),
	}
	_ = store.Record(ctx, original)

	// Mutating the caller's event after recording must not change the store.
	original.Detail["k"] = "mutated"

	events, _ := store.QueryRecent(ctx, "subj-1", 1)
	if events[0].Detail["k"] != "v" {
		t.Errorf("store shares detail map with the recorder")
	}

	// Mutating a queried event must not change the store either.
	events[0].Detail["k"] = "also mutated"
	again, _ := store.QueryRecent(ctx, "subj-1", 1)
	if again[0].Detail["k"] != "v" {
		t.Errorf("store shares detail map with readers")
	}
}

func TestMemoryStore_ConcurrentRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 10
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = store.Record(ctx, &SecurityEvent{
					SubjectID: "subj-1", EventType: EventThreatDetected,
					Severity: SeverityLow, OccurredAt: time.Now().UTC(),
				})
			}
		}()
	}
	wg.Wait()

	events, err := store.QueryRecent(ctx, "subj-1", writers*perWriter+1)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Errorf("got %d events, want %d (lost writes)", len(events), writers*perWriter)
	}
}

func TestTrail_RecordAssignsIDAndTimestamp(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), discardLogger())
	ctx := context.Background()

	event := &SecurityEvent{
		SubjectID: "subj-1", EventType: EventVerificationAllowed, Severity: SeverityLow,
	}
	id := trail.Record(ctx, event)

	if !strings.HasPrefix(id, "evt_") {
		t.Errorf("id = %q, want evt_ prefix", id)
	}
	if event.OccurredAt.IsZero() {
		t.Error("occurredAt not assigned")
	}

	events, err := trail.QueryRecent(ctx, "subj-1", 10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Errorf("events = %+v, want the recorded one", events)
	}
}

// flakyStore fails the first n Record calls, then delegates to a memory store.
type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) Record(ctx context.Context, event *SecurityEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.MemoryStore.Record(ctx, event)
}

func TestTrail_BestEffortOnStoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	trail := NewTrail(store, discardLogger())
	ctx := context.Background()

	// The write fails but the caller still gets an ID and no error surfaces.
	id := trail.Record(ctx, &SecurityEvent{
		SubjectID: "subj-1", EventType: EventVerificationDenied, Severity: SeverityHigh,
	})
	if id == "" {
		t.Fatal("Record returned empty ID on store failure")
	}

	// A verification_error marker was left in place of the dropped event.
	events, err := trail.QueryRecent(ctx, "subj-1", 10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 marker", len(events))
	}
	marker := events[0]
	if marker.EventType != EventVerificationError {
		t.Errorf("marker type = %s, want verification_error", marker.EventType)
	}
	if marker.Detail["reason"] != "audit_write_failed" {
		t.Errorf("marker reason = %q", marker.Detail["reason"])
	}
	if marker.Detail["droppedType"] != EventVerificationDenied {
		t.Errorf("marker droppedType = %q", marker.Detail["droppedType"])
	}
}

func TestTrail_TotalStoreFailureIsSilent(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	trail := NewTrail(store, discardLogger())

	// Both the event and the marker write fail; nothing panics, the caller
	// still gets an ID.
	id := trail.Record(context.Background(), &SecurityEvent{
		SubjectID: "subj-1", EventType: EventVerificationDenied, Severity: SeverityHigh,
	})
	if id == "" {
		t.Error("Record returned empty ID")
	}
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []*SecurityEvent
}

func (p *capturePublisher) Publish(event *SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func TestTrail_PublishesRecordedEvents(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), discardLogger())
	pub := &capturePublisher{}
	trail.SetPublisher(pub)

	id := trail.Record(context.Background(), &SecurityEvent{
		SubjectID: "subj-1", EventType: EventVerificationAllowed, Severity: SeverityLow,
	})

	if len(pub.events) != 1 || pub.events[0].ID != id {
		t.Errorf("published = %+v, want the recorded event", pub.events)
	}
}

func TestTrail_DoesNotPublishFailedWrites(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	trail := NewTrail(store, discardLogger())
	pub := &capturePublisher{}
	trail.SetPublisher(pub)

	trail.Record(context.Background(), &SecurityEvent{
		SubjectID: "subj-1", EventType: EventVerificationDenied, Severity: SeverityHigh,
	})

	if len(pub.events) != 0 {
		t.Errorf("failed write was published: %+v", pub.events)
	}
}

func TestTrail_QueryRecentDefaultLimit(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, discardLogger())
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		trail.Record(ctx, &SecurityEvent{
			SubjectID: "subj-1", EventType: EventThreatDetected, Severity: SeverityLow,
			OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
	}

	events, err := trail.QueryRecent(ctx, "subj-1", 0)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(events) != 50 {
		t.Errorf("got %d events, want default limit 50", len(events))
	}
}
