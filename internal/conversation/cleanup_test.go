package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupTask_RemovesOnlyIdleSessions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m, store := newTestManager(&fakeProvider{}, 10, clock)
	ctx := context.Background()

	m.GetOrCreate(ctx, 1)
	clock.Advance(2 * time.Hour)
	m.GetOrCreate(ctx, 2)
	clock.Advance(90 * time.Minute)
	require.Equal(t, 2, store.Len())

	task := NewCleanupTask(store, 3*time.Hour, time.Minute)
	task.now = clock.Now

	assert.Equal(t, 1, task.runOnce())
	assert.Equal(t, 1, store.Len())
	assert.False(t, m.IsStale(ctx, 2, 3*time.Hour))
	_, err := store.Load(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupTask_StartStop(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), newSession(5, testPrompt, time.Now().Add(-time.Hour))))

	task := NewCleanupTask(store, time.Minute, 10*time.Millisecond)
	task.Start(context.Background())
	task.Start(context.Background())

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	task.Stop()
	task.Stop()
}
