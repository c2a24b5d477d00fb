package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

const (
	jobStatusPending = "pending"
	jobStatusDone    = "done"

	defaultPollInterval = 1 * time.Second
	drainBatchSize      = 50
)

type settleJobModel struct {
	ID         string    `gorm:"primaryKey;column:id"`
	UnitID     string    `gorm:"column:unit_id;not null;index"`
	ClientID   string    `gorm:"column:client_id;not null"`
	SenderKey  string    `gorm:"column:sender_key;not null"`
	Generation int64     `gorm:"column:generation;not null"`
	RunAt      time.Time `gorm:"column:run_at;not null;index"`
	Status     string    `gorm:"column:status;not null;default:'pending';index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (settleJobModel) TableName() string { return "settle_jobs" }

// DurableScheduler persists settle-checks as rows and drains due ones on a
// polling loop, so scheduled checks survive a restart. Delivery is
// at-least-once: a job claimed but not executed before a crash will fire
// again after restart, which OnSettleCheck tolerates.
type DurableScheduler struct {
	db           *gorm.DB
	cb           Callback
	pollInterval time.Duration
}

func NewDurableScheduler(db *gorm.DB, pollInterval time.Duration) *DurableScheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &DurableScheduler{db: db, pollInterval: pollInterval}
}

func (s *DurableScheduler) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&settleJobModel{})
}

// Bind sets the callback. Must happen before Start.
func (s *DurableScheduler) Bind(cb Callback) {
	s.cb = cb
}

func (s *DurableScheduler) Schedule(ctx context.Context, ref domain.SettleRef, delay time.Duration) error {
	now := time.Now().UTC()
	job := settleJobModel{
		ID:         uuid.NewString(),
		UnitID:     ref.UnitID,
		ClientID:   ref.ClientID,
		SenderKey:  ref.SenderKey,
		Generation: ref.Generation,
		RunAt:      now.Add(delay),
		Status:     jobStatusPending,
		CreatedAt:  now,
	}
	return s.db.WithContext(ctx).Create(&job).Error
}

// Start drains due jobs until ctx is cancelled. Jobs already past due at
// startup (left over from a crash) fire on the first tick, which keeps the
// "no earlier than delay" guarantee intact.
func (s *DurableScheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.drain(ctx)
			}
		}
	}()
	logrus.Infof("[SCHEDULER] Durable settle queue started, polling every %v", s.pollInterval)
}

func (s *DurableScheduler) drain(ctx context.Context) {
	var due []settleJobModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", jobStatusPending, time.Now().UTC()).
		Order("run_at ASC").
		Limit(drainBatchSize).
		Find(&due).Error
	if err != nil {
		logrus.WithError(err).Error("[SCHEDULER] Failed to query due settle jobs")
		return
	}

	for _, job := range due {
		// Conditional claim so two pollers never dispatch the same job.
		res := s.db.WithContext(ctx).Model(&settleJobModel{}).
			Where("id = ? AND status = ?", job.ID, jobStatusPending).
			Update("status", jobStatusDone)
		if res.Error != nil {
			logrus.WithError(res.Error).Errorf("[SCHEDULER] Failed to claim settle job %s", job.ID)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		if s.cb == nil {
			logrus.Warn("[SCHEDULER] Settle job due with no callback bound")
			continue
		}
		s.cb(ctx, domain.SettleRef{
			UnitID:     job.UnitID,
			ClientID:   job.ClientID,
			SenderKey:  job.SenderKey,
			Generation: job.Generation,
		})
	}
}
