package storage

import (
	"context"
	"errors"
	"testing"

	"carchat/models"
)

func TestBlockLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetBlocked(ctx, "user-a", "user-b", true); err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}
	if err := store.SetBlocked(ctx, "user-a", "user-b", true); err != nil {
		t.Fatalf("repeated SetBlocked failed: %v", err)
	}

	blocked, err := store.IsBlocked(ctx, "user-a", "user-b")
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if !blocked {
		t.Fatalf("expected user-a to block user-b")
	}
	reverse, err := store.IsBlocked(ctx, "user-b", "user-a")
	if err != nil {
		t.Fatalf("IsBlocked reverse failed: %v", err)
	}
	if reverse {
		t.Fatalf("block must be directional")
	}

	list, err := store.ListBlocked(ctx, "user-a")
	if err != nil {
		t.Fatalf("ListBlocked failed: %v", err)
	}
	if len(list) != 1 || list[0] != "user-b" {
		t.Fatalf("unexpected blocked list: %v", list)
	}

	if err := store.SetBlocked(ctx, "user-a", "user-b", false); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	blocked, err = store.IsBlocked(ctx, "user-a", "user-b")
	if err != nil {
		t.Fatalf("IsBlocked after unblock failed: %v", err)
	}
	if blocked {
		t.Fatalf("expected block to be lifted")
	}
}

func TestReportLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey(t)
	snapshot := []models.Message{mustAppend(t, store, key, "msg-1", "owner-1", "rude text", nowUnixMilli())}

	report := models.Report{
		ID:         "report-1",
		ReporterID: "buyer-1",
		ReportedID: "owner-1",
		Key:        &key,
		Reason:     "abusive language",
		Snapshot:   snapshot,
	}
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := store.SaveReport(ctx, models.Report{ID: "report-2", ReporterID: "buyer-1", ReportedID: "owner-9", Reason: "spam"}); err != nil {
		t.Fatalf("SaveReport without conversation failed: %v", err)
	}

	got, err := store.GetReport(ctx, "report-1")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.Status != models.ReportOpen {
		t.Fatalf("expected open report, got %q", got.Status)
	}
	if got.Key == nil || *got.Key != key {
		t.Fatalf("unexpected report key: %v", got.Key)
	}
	if len(got.Snapshot) != 1 || got.Snapshot[0].Text != "rude text" {
		t.Fatalf("unexpected snapshot: %+v", got.Snapshot)
	}

	open, err := store.ListReports(ctx, models.ReportOpen)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open reports, got %d", len(open))
	}

	if err := store.ResolveReport(ctx, "report-1", "admin-1", models.ReportResolved); err != nil {
		t.Fatalf("ResolveReport failed: %v", err)
	}
	if err := store.ResolveReport(ctx, "report-1", "admin-1", models.ReportDismissed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for already reviewed report, got %v", err)
	}
	if err := store.ResolveReport(ctx, "report-2", "admin-1", models.ReportOpen); err == nil {
		t.Fatalf("expected invalid review status to be rejected")
	}

	resolved, err := store.GetReport(ctx, "report-1")
	if err != nil {
		t.Fatalf("GetReport after resolve failed: %v", err)
	}
	if resolved.Status != models.ReportResolved || resolved.ResolvedBy != "admin-1" || resolved.ResolvedAt == 0 {
		t.Fatalf("unexpected resolved report: %+v", resolved)
	}

	if _, err := store.GetReport(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
