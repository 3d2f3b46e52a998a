package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/clinic-queue/internal/models"
)

func setupRedis(t *testing.T) *QueueCache {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is required for redis tests")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewQueueCache(client, time.Minute)
}

func TestQueueCacheRoundTrip(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	doctorID := uuid.NewString()
	t.Cleanup(func() { _ = c.Invalidate(context.Background(), doctorID) })

	_, found, err := c.Get(ctx, doctorID)
	require.NoError(t, err)
	assert.False(t, found)

	joined := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tokens := []models.Token{{
		TokenID:     uuid.NewString(),
		TokenNumber: "C-001",
		DoctorID:    doctorID,
		PatientName: "Alice",
		Status:      models.StatusWaiting,
		Position:    models.IntPtr(1),
		JoinedAt:    joined,
	}}
	require.NoError(t, c.Set(ctx, doctorID, tokens))

	cached, found, err := c.Get(ctx, doctorID)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cached, 1)
	assert.Equal(t, "C-001", cached[0].TokenNumber)
	assert.Equal(t, 1, *cached[0].Position)
	assert.True(t, joined.Equal(cached[0].JoinedAt))

	require.NoError(t, c.Invalidate(ctx, doctorID))
	_, found, err = c.Get(ctx, doctorID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueCacheStoresEmptyQueue(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	doctorID := uuid.NewString()
	t.Cleanup(func() { _ = c.Invalidate(context.Background(), doctorID) })

	require.NoError(t, c.Set(ctx, doctorID, nil))
	cached, found, err := c.Get(ctx, doctorID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, cached)
}

func TestQueueKey(t *testing.T) {
	assert.Equal(t, "clinic:queue:doc-1", queueKey("doc-1"))
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
