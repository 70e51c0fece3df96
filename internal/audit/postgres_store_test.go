package audit

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/checkpoint/internal/testutil"
)

func TestPostgresStore_RecordAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	events := []*SecurityEvent{
		{
			ID: "evt_pg_1", SubjectID: "subj-pg", EventType: EventVerificationAllowed,
			Severity: SeverityLow, OccurredAt: base.Add(-2 * time.Minute),
			Detail: map[string]string{"score": "12"},
		},
		{
			ID: "evt_pg_2", SubjectID: "subj-pg", EventType: EventVerificationDenied,
			Severity: SeverityHigh, OccurredAt: base.Add(-time.Minute),
		},
		{
			ID: "evt_pg_3", SubjectID: "subj-pg", EventType: EventThreatDetected,
			Severity: SeverityCritical, OccurredAt: base,
			Detail: map[string]string{"tags": "injection_sql"},
		},
		{
			ID: "evt_pg_other", SubjectID: "subj-other", EventType: EventThreatDetected,
			Severity: SeverityLow, OccurredAt: base,
		},
	}
	for _, e := range events {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record %s: %v", e.ID, err)
		}
	}

	recent, err := store.QueryRecent(ctx, "subj-pg", 2)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}
	if recent[0].ID != "evt_pg_3" || recent[1].ID != "evt_pg_2" {
		t.Errorf("order = [%s %s], want newest first", recent[0].ID, recent[1].ID)
	}
	if recent[0].Detail["tags"] != "injection_sql" {
		t.Errorf("detail round-trip failed: %+v", recent[0].Detail)
	}
	if recent[1].Detail != nil {
		t.Errorf("empty detail should scan as nil, got %+v", recent[1].Detail)
	}

	window, err := store.QueryWindow(ctx, "subj-pg", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("QueryWindow: %v", err)
	}
	if len(window) != 2 {
		t.Errorf("window returned %d events, want 2 (boundary inclusive)", len(window))
	}
	for _, e := range window {
		if e.SubjectID != "subj-pg" {
			t.Errorf("window leaked another subject's event: %s", e.ID)
		}
	}
}
