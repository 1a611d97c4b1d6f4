package moderation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carchat/models"
	"carchat/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewService(store, store, store, zerolog.Nop()), store
}

func TestBlockIsSymmetricForGate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Block(ctx, "buyer", "seller"))
	for _, pair := range [][2]string{{"buyer", "seller"}, {"seller", "buyer"}} {
		blocked, err := svc.IsBlocked(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, blocked, "%s -> %s", pair[0], pair[1])
	}

	list, err := svc.Blocked(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, []string{"seller"}, list)

	require.NoError(t, svc.Unblock(ctx, "buyer", "seller"))
	blocked, err := svc.IsBlocked(ctx, "seller", "buyer")
	require.NoError(t, err)
	assert.False(t, blocked)

	assert.ErrorIs(t, svc.Block(ctx, "buyer", "buyer"), ErrSelfAction)

	events, err := store.GetAuditEvents(ctx, storage.AuditEventFilter{ActorID: "buyer", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestReportWithSnapshotAndBlock(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	key, err := models.NewConversationKey("seller", "car-1", "buyer")
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	for i := 0; i < 25; i++ {
		sender := "seller"
		if i%2 == 0 {
			sender = "buyer"
		}
		require.NoError(t, store.AppendMessage(ctx, models.Message{
			ID:         fmt.Sprintf("msg-%02d", i),
			Key:        key,
			SenderID:   sender,
			ReceiverID: key.Peer(sender),
			Text:       fmt.Sprintf("message %d", i),
			Timestamp:  base + int64(i),
			Status:     models.StatusSent,
		}))
	}
	_, err = store.AddDeletedFor(ctx, key, "msg-24", "buyer")
	require.NoError(t, err)

	report, err := svc.Report(ctx, ReportInput{
		ReporterID:      "buyer",
		ReportedID:      "seller",
		Key:             &key,
		Reason:          "  scam attempt ",
		IncludeMessages: true,
		BlockToo:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "scam attempt", report.Reason)
	require.Len(t, report.Snapshot, DefaultSnapshotSize)
	assert.Equal(t, "msg-04", report.Snapshot[0].ID)
	assert.Equal(t, "msg-23", report.Snapshot[DefaultSnapshotSize-1].ID)

	blocked, err := svc.IsBlocked(ctx, "seller", "buyer")
	require.NoError(t, err)
	assert.True(t, blocked)

	stored, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Snapshot, DefaultSnapshotSize)
}

func TestReportSnapshotLooksPastReporterDeletes(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	key, err := models.NewConversationKey("seller", "car-1", "buyer")
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	for i := 0; i < 120; i++ {
		require.NoError(t, store.AppendMessage(ctx, models.Message{
			ID:         fmt.Sprintf("msg-%03d", i),
			Key:        key,
			SenderID:   "seller",
			ReceiverID: "buyer",
			Text:       fmt.Sprintf("message %d", i),
			Timestamp:  base + int64(i),
			Status:     models.StatusSent,
		}))
	}
	for i := 50; i < 120; i++ {
		_, err := store.AddDeletedFor(ctx, key, fmt.Sprintf("msg-%03d", i), "buyer")
		require.NoError(t, err)
	}

	report, err := svc.Report(ctx, ReportInput{
		ReporterID:      "buyer",
		ReportedID:      "seller",
		Key:             &key,
		Reason:          "harassment",
		IncludeMessages: true,
	})
	require.NoError(t, err)
	require.Len(t, report.Snapshot, DefaultSnapshotSize)
	assert.Equal(t, "msg-030", report.Snapshot[0].ID)
	assert.Equal(t, "msg-049", report.Snapshot[DefaultSnapshotSize-1].ID)
}

func TestReportValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key, err := models.NewConversationKey("seller", "car-1", "buyer")
	require.NoError(t, err)

	_, err = svc.Report(ctx, ReportInput{ReporterID: "a", ReportedID: "a", Reason: "x"})
	assert.ErrorIs(t, err, ErrSelfAction)

	_, err = svc.Report(ctx, ReportInput{ReporterID: "a", ReportedID: "b", Reason: "  "})
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.Report(ctx, ReportInput{ReporterID: "stranger", ReportedID: "seller", Key: &key, Reason: "spam"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	report, err := svc.Report(ctx, ReportInput{ReporterID: "buyer", ReportedID: "seller", Key: &key, Reason: "spam"})
	require.NoError(t, err)
	assert.Empty(t, report.Snapshot)
}

func TestResolveReport(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	report, err := svc.Report(ctx, ReportInput{ReporterID: "buyer", ReportedID: "seller", Reason: "fake listing"})
	require.NoError(t, err)

	open, err := svc.Reports(ctx, models.ReportOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := svc.Resolve(ctx, report.ID, "admin", models.ReportResolved)
	require.NoError(t, err)
	assert.Equal(t, models.ReportResolved, resolved.Status)
	assert.Equal(t, "admin", resolved.ResolvedBy)

	_, err = svc.Resolve(ctx, report.ID, "admin", models.ReportDismissed)
	assert.ErrorIs(t, err, models.ErrNotFound)

	events, err := store.GetAuditEvents(ctx, storage.AuditEventFilter{EventType: storage.AuditEventReportReviewed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
