package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func groupMsg(sender, text string) *protocol.StoredMessage {
	return &protocol.StoredMessage{
		Sender:     sender,
		Ciphertext: []byte(text),
		Timestamp:  time.Now().UTC(),
	}
}

func privateMsg(sender, recipient, text string) *protocol.StoredMessage {
	return &protocol.StoredMessage{
		Sender:     sender,
		Recipient:  &recipient,
		Ciphertext: []byte(text),
		Timestamp:  time.Now().UTC(),
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.Append(ctx, groupMsg("alice", fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestConcurrentAppendsKeepOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 10
	const perWriter = 20

	var wg sync.WaitGroup
	ids := make(chan int64, writers*perWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := store.Append(ctx, groupMsg("alice", fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
				ids <- id
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)

	// Reads observe every record fully written, in id order.
	msgs, err := store.HistoryFor(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestHistoryForRelevance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, groupMsg("alice", "hello everyone"))
	require.NoError(t, err)
	_, err = store.Append(ctx, privateMsg("alice", "bob", "hi bob"))
	require.NoError(t, err)
	_, err = store.Append(ctx, privateMsg("carol", "dave", "hi dave"))
	require.NoError(t, err)
	_, err = store.Append(ctx, privateMsg("bob", "alice", "hi alice"))
	require.NoError(t, err)

	// bob sees the group message and both private messages he is part of.
	bobMsgs, err := store.HistoryFor(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, bobMsgs, 3)
	assert.Equal(t, []byte("hello everyone"), bobMsgs[0].Ciphertext)
	assert.Equal(t, []byte("hi bob"), bobMsgs[1].Ciphertext)
	assert.Equal(t, []byte("hi alice"), bobMsgs[2].Ciphertext)

	// carol sees the group message and her own private message only.
	carolMsgs, err := store.HistoryFor(ctx, "carol", 0)
	require.NoError(t, err)
	require.Len(t, carolMsgs, 2)
	assert.Equal(t, []byte("hi dave"), carolMsgs[1].Ciphertext)

	// eve, never a private party, sees only the group message.
	eveMsgs, err := store.HistoryFor(ctx, "eve", 0)
	require.NoError(t, err)
	require.Len(t, eveMsgs, 1)
	assert.True(t, eveMsgs[0].IsGroup())
}

func TestHistoryForSinceID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, groupMsg("alice", "old"))
	require.NoError(t, err)
	_, err = store.Append(ctx, groupMsg("alice", "new"))
	require.NoError(t, err)

	msgs, err := store.HistoryFor(ctx, "bob", first)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("new"), msgs[0].Ciphertext)
}

func TestGroupHistoryLimitKeepsNewest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, groupMsg("alice", fmt.Sprintf("g%d", i)))
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, privateMsg("alice", "bob", "not group"))
	require.NoError(t, err)

	msgs, err := store.GroupHistory(ctx, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Newest three, oldest first.
	assert.Equal(t, []byte("g7"), msgs[0].Ciphertext)
	assert.Equal(t, []byte("g8"), msgs[1].Ciphertext)
	assert.Equal(t, []byte("g9"), msgs[2].Ciphertext)
}

func TestTouchUserAndStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.TouchUser(ctx, "alice"))
	require.NoError(t, store.TouchUser(ctx, "alice")) // upsert, not duplicate
	require.NoError(t, store.TouchUser(ctx, "bob"))

	_, err := store.Append(ctx, groupMsg("alice", "hi"))
	require.NoError(t, err)
	_, err = store.Append(ctx, privateMsg("alice", "bob", "psst"))
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total_users"])
	assert.Equal(t, int64(2), stats["total_messages"])
	assert.Equal(t, int64(1), stats["group_messages"])
	assert.Equal(t, int64(1), stats["private_messages"])
}

func TestPruneDeletesOnlyOldMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := groupMsg("alice", "ancient")
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	_, err := store.Append(ctx, old)
	require.NoError(t, err)

	_, err = store.Append(ctx, groupMsg("alice", "fresh"))
	require.NoError(t, err)

	deleted, err := store.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	msgs, err := store.HistoryFor(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("fresh"), msgs[0].Ciphertext)
}

func TestIDsNotReusedAfterPrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := groupMsg("alice", "doomed")
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	lastID, err := store.Append(ctx, old)
	require.NoError(t, err)

	_, err = store.Prune(ctx, time.Now().UTC())
	require.NoError(t, err)

	newID, err := store.Append(ctx, groupMsg("alice", "successor"))
	require.NoError(t, err)
	assert.Greater(t, newID, lastID)
}

func TestAppendAfterCloseFails(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	_, err = store.Append(context.Background(), groupMsg("alice", "too late"))
	assert.ErrorIs(t, err, ErrStoreClosed)
}
