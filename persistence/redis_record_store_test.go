package persistence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) *RedisRecordStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisRecordStore(RedisStoreConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "swarmgrid-test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisRecordStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)

	require.NoError(t, store.Ping(ctx))

	record := newRecord(StatusDispatched)
	require.NoError(t, store.Upsert(ctx, record))

	record.Status = StatusAcknowledged
	record.Attempts = 2
	require.NoError(t, store.Upsert(ctx, record))

	other := newRecord(StatusAwaitingApproval)
	require.NoError(t, store.Upsert(ctx, other))

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := make(map[string]*TaskRecord, len(loaded))
	for _, r := range loaded {
		byID[r.TaskID] = r
	}
	require.Contains(t, byID, record.TaskID)
	assert.Equal(t, StatusAcknowledged, byID[record.TaskID].Status)
	assert.Equal(t, 2, byID[record.TaskID].Attempts)
	assert.Equal(t, record.Request.Task, byID[record.TaskID].Request.Task)
	assert.Equal(t, StatusAwaitingApproval, byID[other.TaskID].Status)
}

func TestRedisRecordStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)

	record := newRecord(StatusDispatched)
	require.NoError(t, store.Upsert(ctx, record))
	require.NoError(t, store.Delete(ctx, record.TaskID))

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRedisRecordStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, store.Upsert(ctx, newRecord(StatusDispatched)), ErrStoreClosed)
	_, err := store.LoadRecords(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
