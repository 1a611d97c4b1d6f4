package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carchat/models"
)

const testRedisAddrEnv = "CARCHAT_TEST_REDIS_ADDR"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv(testRedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", testRedisAddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "carchat-test-" + uuid.NewString()
	store := New(client, prefix, zerolog.Nop())
	t.Cleanup(func() {
		keys, err := client.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = store.Close()
	})
	return store
}

func testMessage(key models.ConversationKey, id, sender, text string, ts int64) models.Message {
	return models.Message{
		ID:         id,
		Key:        key,
		SenderID:   sender,
		ReceiverID: key.Peer(sender),
		Text:       text,
		Timestamp:  ts,
		Status:     models.StatusSent,
	}
}

func TestAppendListAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.ConversationKey{OwnerID: "owner-1", CarID: "car-1", BuyerID: "buyer-1"}
	base := time.Now().UnixMilli()

	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "b", "buyer-1", "second", base+1)))
	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "a", "owner-1", "first", base)))
	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "c", "owner-1", "third", base+1)))

	err := store.AppendMessage(ctx, testMessage(key, "a", "owner-1", "again", base))
	assert.ErrorIs(t, err, models.ErrDuplicate)

	messages, err := store.ListMessages(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{messages[0].ID, messages[1].ID, messages[2].ID})

	latest, err := store.ListMessages(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "b", latest[0].ID)

	updated, err := store.UpdateMessageStatus(ctx, key, "b", models.StatusRead)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, updated.Status)

	_, err = store.UpdateMessageStatus(ctx, key, "b", models.StatusDelivered)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = store.GetMessage(ctx, key, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	hidden, err := store.AddDeletedFor(ctx, key, "a", "buyer-1")
	require.NoError(t, err)
	assert.False(t, hidden.VisibleTo("buyer-1"))

	convs, err := store.ListConversations(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, []models.ConversationKey{key}, convs)
}

func TestConcurrentStatusUpdatesNeverRegress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.ConversationKey{OwnerID: "owner-1", CarID: "car-1", BuyerID: "buyer-1"}
	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "m", "owner-1", "hi", time.Now().UnixMilli())))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.UpdateMessageStatus(ctx, key, "m", models.StatusDelivered)
		}()
		go func() {
			defer wg.Done()
			_, _ = store.UpdateMessageStatus(ctx, key, "m", models.StatusRead)
		}()
	}
	wg.Wait()

	got, err := store.GetMessage(ctx, key, "m")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestConcurrentAppendsOfOneIDCommitOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.ConversationKey{OwnerID: "owner-1", CarID: "car-1", BuyerID: "buyer-1"}
	ts := time.Now().UnixMilli()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.AppendMessage(ctx, testMessage(key, "same", "buyer-1", "hi", ts))
			if err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrDuplicate)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, committed)
	messages, err := store.ListMessages(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "same", messages[0].ID)

	convs, err := store.ListConversations(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []models.ConversationKey{key}, convs)
}

func TestWatchReceivesEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.ConversationKey{OwnerID: "owner-1", CarID: "car-1", BuyerID: "buyer-1"}

	events := make(chan models.MessageEvent, 4)
	stop, err := store.Watch(ctx, key, func(event models.MessageEvent) {
		events <- event
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "m", "buyer-1", "hi", time.Now().UnixMilli())))

	select {
	case event := <-events:
		assert.Equal(t, models.EventAdded, event.Type)
		assert.Equal(t, "m", event.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for added event")
	}
}

func TestBlocksAndReports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetBlocked(ctx, "a", "b", true))
	blocked, err := store.IsBlocked(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, blocked)

	list, err := store.ListBlocked(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, list)

	require.NoError(t, store.SetBlocked(ctx, "a", "b", false))
	blocked, err = store.IsBlocked(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, store.SaveReport(ctx, models.Report{ID: "r1", ReporterID: "a", ReportedID: "b", Reason: "spam"}))
	open, err := store.ListReports(ctx, models.ReportOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, store.ResolveReport(ctx, "r1", "admin", models.ReportDismissed))
	assert.ErrorIs(t, store.ResolveReport(ctx, "r1", "admin", models.ReportResolved), models.ErrNotFound)

	report, err := store.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReportDismissed, report.Status)
	assert.Equal(t, "admin", report.ResolvedBy)
}

func TestWatchStopFromCallbackEndsDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.ConversationKey{OwnerID: "owner-1", CarID: "car-1", BuyerID: "buyer-1"}

	var (
		stop  func()
		ready = make(chan struct{})
		calls = make(chan string, 4)
	)
	var err error
	stop, err = store.Watch(ctx, key, func(event models.MessageEvent) {
		<-ready
		stop()
		calls <- event.Message.ID
	})
	require.NoError(t, err)
	close(ready)

	now := time.Now().UnixMilli()
	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "m1", "buyer-1", "hi", now)))
	require.NoError(t, store.AppendMessage(ctx, testMessage(key, "m2", "buyer-1", "again", now+1)))

	select {
	case id := <-calls:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("callback that stopped its own watch never finished")
	}
	select {
	case id := <-calls:
		t.Fatalf("callback ran for %s after stop", id)
	case <-time.After(200 * time.Millisecond):
	}
}
