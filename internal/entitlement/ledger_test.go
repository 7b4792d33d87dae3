package entitlement

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Record{}))
	return db
}

func TestConsume_FreeAllowanceCountsDown(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 3})

	for i := 2; i >= 0; i-- {
		d, err := l.Consume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, TierFree, d.Tier)
		assert.Equal(t, i, d.FreeRemaining)
		assert.Equal(t, i == 0, d.LastFree)
	}

	d, err := l.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierNone, d.Tier)

	rec, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.FreeRemaining)
}

func TestIsAllowed_Chat42(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 1})

	assert.True(t, l.IsAllowed(ctx, 42))
	rec, err := l.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.FreeRemaining)
	assert.Equal(t, 0, rec.SubscriptionHoursRemaining)

	assert.False(t, l.IsAllowed(ctx, 42))
}

func TestConsume_SubscriptionLeavesFreeAlone(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 5})

	_, err := l.Credit(ctx, 7, 24)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d, err := l.Consume(ctx, 7)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, TierSubscription, d.Tier)
	}

	rec, err := l.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.FreeRemaining)
	assert.Equal(t, 24, rec.SubscriptionHoursRemaining)
}

func TestProvision_DoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 10})

	_, err := l.Provision(ctx, 3, Defaults{FreeMessages: 2})
	require.NoError(t, err)
	rec, err := l.Provision(ctx, 3, Defaults{FreeMessages: 10, SubscriptionHours: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.FreeRemaining)
	assert.Equal(t, 0, rec.SubscriptionHoursRemaining)
}

func TestGet_Unknown(t *testing.T) {
	l := NewLedger(openTestDB(t), Defaults{})
	_, err := l.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	l := NewLedger(openTestDB(t), Defaults{})
	_, err := l.Credit(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInvalidHours)
}

func TestDecayOneHour_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 1})

	_, err := l.Credit(ctx, 1, 3)
	require.NoError(t, err)
	_, err = l.Credit(ctx, 2, 10)
	require.NoError(t, err)
	_, err = l.Provision(ctx, 3, l.Defaults())
	require.NoError(t, err)

	for k := 0; k < 5; k++ {
		_, err := l.DecayOneHour(ctx)
		require.NoError(t, err)
	}

	for chatID, want := range map[int64]int{1: 0, 2: 5, 3: 0} {
		rec, err := l.Get(ctx, chatID)
		require.NoError(t, err)
		assert.Equal(t, want, rec.SubscriptionHoursRemaining, "chat %d", chatID)
		assert.Equal(t, 1, rec.FreeRemaining, "chat %d", chatID)
	}

	n, err := l.DecayOneHour(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsume_ConcurrentLastFreeMessage(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 1})
	_, err := l.Provision(ctx, 9, l.Defaults())
	require.NoError(t, err)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(ctx, 9)
			if assert.NoError(t, err) && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	rec, err := l.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.FreeRemaining)
}

func TestConsume_ConcurrentSingleLastFreeNotice(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(openTestDB(t), Defaults{FreeMessages: 5})

	var allowed, lastFree atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(ctx, 77)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
			if d.LastFree {
				lastFree.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
	assert.Equal(t, int32(1), lastFree.Load())
}

func TestWithTx_RollsBackCredit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := NewLedger(db, Defaults{})

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := l.WithTx(tx).Credit(ctx, 5, 24)
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = l.Get(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}
