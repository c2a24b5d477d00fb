package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

func TestTimerScheduler_FiresAfterDelay(t *testing.T) {
	s := NewTimerScheduler()

	var mu sync.Mutex
	var got []domain.SettleRef
	s.Bind(func(ctx context.Context, ref domain.SettleRef) {
		mu.Lock()
		got = append(got, ref)
		mu.Unlock()
	})

	ref := domain.SettleRef{UnitID: "u1", ClientID: "acme", SenderKey: "s", Generation: 3}
	require.NoError(t, s.Schedule(context.Background(), ref, 20*time.Millisecond))

	mu.Lock()
	assert.Empty(t, got, "must not fire before the delay")
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ref, got[0])
}

func TestTimerScheduler_NoCallbackBoundIsSafe(t *testing.T) {
	s := NewTimerScheduler()
	require.NoError(t, s.Schedule(context.Background(), domain.SettleRef{UnitID: "u1"}, time.Millisecond))
	time.Sleep(20 * time.Millisecond)
}

func TestTimerScheduler_StopCancelsPendingTimers(t *testing.T) {
	s := NewTimerScheduler()

	var fired int64
	s.Bind(func(ctx context.Context, ref domain.SettleRef) {
		atomic.AddInt64(&fired, 1)
	})

	require.NoError(t, s.Schedule(context.Background(), domain.SettleRef{UnitID: "u1"}, 20*time.Millisecond))
	s.Stop()

	// Scheduling after Stop is a no-op rather than an error; the next
	// arrival re-arms its burst on the running process.
	require.NoError(t, s.Schedule(context.Background(), domain.SettleRef{UnitID: "u2"}, time.Millisecond))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&fired), "no check may fire after Stop")
}

func newSchedulerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestDurableScheduler_DeliversDueJobsOnce(t *testing.T) {
	db := newSchedulerDB(t)
	s := NewDurableScheduler(db, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Init(ctx))

	var fired int64
	s.Bind(func(ctx context.Context, ref domain.SettleRef) {
		atomic.AddInt64(&fired, 1)
	})

	ref := domain.SettleRef{UnitID: "u1", ClientID: "acme", SenderKey: "s", Generation: 1}
	require.NoError(t, s.Schedule(ctx, ref, 0))

	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(1), atomic.LoadInt64(&fired), "a claimed job must not fire twice")

	var done int64
	require.NoError(t, db.Model(&settleJobModel{}).Where("status = ?", jobStatusDone).Count(&done).Error)
	assert.Equal(t, int64(1), done)
}

func TestDurableScheduler_RespectsRunAt(t *testing.T) {
	db := newSchedulerDB(t)
	s := NewDurableScheduler(db, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Init(ctx))

	var fired int64
	s.Bind(func(ctx context.Context, ref domain.SettleRef) {
		atomic.AddInt64(&fired, 1)
	})

	require.NoError(t, s.Schedule(ctx, domain.SettleRef{UnitID: "u1"}, time.Hour))
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, atomic.LoadInt64(&fired), "jobs must not fire before run_at")
}

func TestDurableScheduler_JobsSurviveRestart(t *testing.T) {
	db := newSchedulerDB(t)

	// First instance persists a job and "crashes" before it is due.
	first := NewDurableScheduler(db, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Schedule(ctx, domain.SettleRef{UnitID: "u1", Generation: 2}, 0))

	// A fresh instance over the same store picks the job up.
	second := NewDurableScheduler(db, 10*time.Millisecond)
	require.NoError(t, second.Init(ctx))

	var got atomic.Value
	second.Bind(func(ctx context.Context, ref domain.SettleRef) {
		got.Store(ref)
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	second.Start(runCtx)
	time.Sleep(100 * time.Millisecond)

	ref, ok := got.Load().(domain.SettleRef)
	require.True(t, ok, "job scheduled before restart must fire")
	assert.Equal(t, "u1", ref.UnitID)
	assert.Equal(t, int64(2), ref.Generation)
}
