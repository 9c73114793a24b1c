package audit

import (
	"context"
	"testing"
	"time"
)

func TestActorFromContext_Defaults(t *testing.T) {
	actorID, role, ip, reqID := ActorFromContext(context.Background())
	if actorID != "" || ip != "" || reqID != "" {
		t.Errorf("expected empty actor info, got %q %q %q", actorID, ip, reqID)
	}
	if role != "system" {
		t.Errorf("expected system role default, got %q", role)
	}
}

func TestActorFromContext_RoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "usr_1", "admin")
	ctx = WithIP(ctx, "10.0.0.1")
	ctx = WithRequestID(ctx, "req-abc")

	actorID, role, ip, reqID := ActorFromContext(ctx)
	if actorID != "usr_1" || role != "admin" || ip != "10.0.0.1" || reqID != "req-abc" {
		t.Errorf("unexpected actor info: %q %q %q %q", actorID, role, ip, reqID)
	}
}

func TestNewEntry_PullsActor(t *testing.T) {
	ctx := WithActor(context.Background(), "usr_2", "member")

	e := NewEntry(ctx, "listing.submit", "listing", "lst_1", map[string]string{"from": "DRAFT"})
	if e.ActorID != "usr_2" || e.ActorRole != "member" {
		t.Errorf("actor not propagated: %+v", e)
	}
	if e.Action != "listing.submit" || e.TargetID != "lst_1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestMemoryLogger_RecordAndQuery(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	for i, action := range []string{"request.create", "request.accept", "request.complete"} {
		e := &Entry{ActorID: "usr_1", ActorRole: "member", Action: action, TargetType: "request", TargetID: "req_1"}
		if i == 1 {
			e.ActorID = "usr_2"
		}
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := l.Query(ctx, Filter{TargetID: "req_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	// Descending order: newest first.
	if all[0].Action != "request.complete" {
		t.Errorf("expected newest first, got %q", all[0].Action)
	}

	byActor, err := l.Query(ctx, Filter{ActorID: "usr_2"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byActor) != 1 || byActor[0].Action != "request.accept" {
		t.Errorf("actor filter failed: %+v", byActor)
	}
}

func TestMemoryLogger_TimeWindow(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	old := &Entry{ActorID: "usr_1", Action: "a", TargetType: "listing", TargetID: "lst_1",
		CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &Entry{ActorID: "usr_1", Action: "b", TargetType: "listing", TargetID: "lst_1"}
	_ = l.Record(ctx, old)
	_ = l.Record(ctx, recent)

	got, err := l.Query(ctx, Filter{From: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Action != "b" {
		t.Errorf("time filter failed: %+v", got)
	}
}

func TestMemoryLogger_AssignsIDs(t *testing.T) {
	l := NewMemoryLogger()
	_ = l.Record(context.Background(), &Entry{Action: "a"})
	_ = l.Record(context.Background(), &Entry{Action: "b"})

	entries := l.Entries()
	if entries[0].ID != 1 || entries[1].ID != 2 {
		t.Errorf("expected sequential IDs, got %d %d", entries[0].ID, entries[1].ID)
	}
}
