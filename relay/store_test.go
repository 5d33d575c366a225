package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smsEvent(sender, message string, ts int64) Event {
	return Event{
		Sender:         sender,
		Message:        message,
		Timestamp:      ts,
		Kind:           KindSMS,
		IdempotencyKey: BuildKey(KindSMS, sender, message),
	}
}

func TestAppendHistoryIfAbsent_Idempotent(t *testing.T) {
	store := openTestStore(t)
	ev := smsEvent("+1555", "Hi there", 1000)

	inserted, err := store.AppendHistoryIfAbsent(ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.AppendHistoryIfAbsent(ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := store.CountHistory()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMarkDelivered_MonotonicOnce(t *testing.T) {
	store := openTestStore(t)
	ev := smsEvent("+1555", "Hi there", 1000)
	_, err := store.AppendHistoryIfAbsent(ev)
	require.NoError(t, err)

	require.NoError(t, store.MarkDelivered(ev.IdempotencyKey, 5000))
	// A second mark must not move the timestamp.
	require.NoError(t, store.MarkDelivered(ev.IdempotencyKey, 9000))

	rows, err := store.LatestHistory(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5000, rows[0].SentAt)

	// Absent key is a no-op, not an error.
	require.NoError(t, store.MarkDelivered("no-such-key", 5000))
}

func TestPendingQueue_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ev := smsEvent("+1555", "Hi there", 1000)

	inserted, err := store.EnqueuePendingIfAbsent(ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.EnqueuePendingIfAbsent(ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	pending, err := store.IsPending(ev.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, pending)

	due, err := store.ListPending(time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ev.IdempotencyKey, due[0].IdempotencyKey)
	assert.Equal(t, KindSMS, due[0].Kind)

	require.NoError(t, store.DequeuePending(ev.IdempotencyKey))
	pending, err = store.IsPending(ev.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestListPending_ExcludesNotDueRows(t *testing.T) {
	store := openTestStore(t)
	ev := smsEvent("+1555", "Hi there", 1000)
	_, err := store.EnqueuePendingIfAbsent(ev)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour).UnixMilli()
	_, err = store.RecordAttemptFailure(ev.IdempotencyKey, "transient: dial refused", 0,
		func(attempt int) int64 { return future })
	require.NoError(t, err)

	due, err := store.ListPending(time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, due)

	// Still pending, just not due yet.
	pending, err := store.IsPending(ev.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, pending)

	due, err = store.ListPending(future)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestRecordAttemptFailure_DeadLetterAtCeiling(t *testing.T) {
	store := openTestStore(t)
	ev := smsEvent("+1555", "Hi there", 1000)
	_, err := store.EnqueuePendingIfAbsent(ev)
	require.NoError(t, err)

	var seenAttempts []int
	schedule := func(attempt int) int64 {
		seenAttempts = append(seenAttempts, attempt)
		return time.Now().UnixMilli()
	}

	dead, err := store.RecordAttemptFailure(ev.IdempotencyKey, "rejected (422): bad payload", 2, schedule)
	require.NoError(t, err)
	assert.False(t, dead)

	dead, err = store.RecordAttemptFailure(ev.IdempotencyKey, "rejected (422): bad payload", 2, schedule)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, []int{1, 2}, seenAttempts)

	// Dead rows are neither listed nor counted as pending.
	due, err := store.ListPending(time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, due)

	pending, err := store.IsPending(ev.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, pending)

	live, deadCount, err := store.CountPending()
	require.NoError(t, err)
	assert.EqualValues(t, 0, live)
	assert.EqualValues(t, 1, deadCount)

	// Further failures on a dead row are no-ops.
	dead, err = store.RecordAttemptFailure(ev.IdempotencyKey, "again", 2, schedule)
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Len(t, seenAttempts, 2)
}

func TestRecordAttemptFailure_AbsentKeyNoop(t *testing.T) {
	store := openTestStore(t)
	dead, err := store.RecordAttemptFailure("no-such-key", "x", 1, func(int) int64 { return 0 })
	require.NoError(t, err)
	assert.False(t, dead)
}

func TestHistoryPage_FilterOrderAndPaging(t *testing.T) {
	store := openTestStore(t)
	seed := []Event{
		smsEvent("+1555", "payment received", 1000),
		smsEvent("+1555", "code 1234", 2000),
		{Sender: "com.example.bank", Message: "Payment declined", Timestamp: 3000,
			Kind: KindPush, IdempotencyKey: NewAttemptKey()},
	}
	for _, ev := range seed {
		_, err := store.AppendHistoryIfAbsent(ev)
		require.NoError(t, err)
	}

	// Newest first.
	all, err := store.HistoryPage("", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, 3000, all[0].Timestamp)
	assert.EqualValues(t, 1000, all[2].Timestamp)

	// Case-insensitive substring over sender, message and kind.
	got, err := store.HistoryPage("PAYMENT", 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.HistoryPage("push", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindPush, got[0].Kind)

	// Limit/offset walk the same ordering.
	page, err := store.HistoryPage("", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := store.HistoryPage("", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.EqualValues(t, 1000, rest[0].Timestamp)

	// LIKE wildcards in the query are literals.
	got, err = store.HistoryPage("%", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestHistory(t *testing.T) {
	store := openTestStore(t)
	for i := int64(1); i <= 5; i++ {
		_, err := store.AppendHistoryIfAbsent(smsEvent("+1555", "msg", i))
		require.NoError(t, err)
		// Distinct messages so keys differ.
		_, err = store.AppendHistoryIfAbsent(smsEvent("+1555", "msg"+string(rune('a'+i)), i*10))
		require.NoError(t, err)
	}
	rows, err := store.LatestHistory(3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Timestamp >= rows[1].Timestamp)
	assert.True(t, rows[1].Timestamp >= rows[2].Timestamp)
}

func TestStorageError_Unwraps(t *testing.T) {
	err := storageErr("append history", assert.AnError)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append history", se.Op)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, storageErr("noop", nil))
}
