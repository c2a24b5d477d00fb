package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// --- Persistence Models ---

type pendingUnitModel struct {
	ID              string     `gorm:"primaryKey;column:id"`
	ClientID        string     `gorm:"column:client_id;not null;index:idx_units_client_sender"`
	SenderKey       string     `gorm:"column:sender_key;not null;index:idx_units_client_sender"`
	Phone           string     `gorm:"column:phone"`
	ConversationID  string     `gorm:"column:conversation_id;not null;index"`
	SourceChannel   string     `gorm:"column:source_channel"`
	SourceRef       string     `gorm:"column:source_ref"`
	AccumulatedText string     `gorm:"column:accumulated_text;type:text"`
	Generation      int64      `gorm:"column:generation;not null;default:1"`
	Status          string     `gorm:"column:status;not null;default:'open';index"`
	FailureCount    int        `gorm:"column:failure_count;not null;default:0"`
	// ActiveKey holds client_id|sender_key while the unit is open or
	// settling and NULL once terminal; the unique index is what enforces the
	// single-active-unit invariant under concurrent creates.
	ActiveKey      *string   `gorm:"column:active_key;uniqueIndex"`
	FirstArrivalAt time.Time `gorm:"column:first_arrival_at;not null"`
	LastArrivalAt  time.Time `gorm:"column:last_arrival_at;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (pendingUnitModel) TableName() string { return "pending_units" }

func toUnitModel(u domain.PendingUnit) pendingUnitModel {
	m := pendingUnitModel{
		ID:              u.ID,
		ClientID:        u.ClientID,
		SenderKey:       u.SenderKey,
		Phone:           u.Phone,
		ConversationID:  u.ConversationID,
		SourceChannel:   u.SourceChannel,
		SourceRef:       u.SourceRef,
		AccumulatedText: u.AccumulatedText,
		Generation:      u.Generation,
		Status:          string(u.Status),
		FailureCount:    u.FailureCount,
		FirstArrivalAt:  u.FirstArrivalAt,
		LastArrivalAt:   u.LastArrivalAt,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
	if u.Active() {
		key := domain.ActiveKey(u.ClientID, u.SenderKey)
		m.ActiveKey = &key
	}
	return m
}

func fromUnitModel(m pendingUnitModel) domain.PendingUnit {
	return domain.PendingUnit{
		ID:              m.ID,
		ClientID:        m.ClientID,
		SenderKey:       m.SenderKey,
		Phone:           m.Phone,
		ConversationID:  m.ConversationID,
		SourceChannel:   m.SourceChannel,
		SourceRef:       m.SourceRef,
		AccumulatedText: m.AccumulatedText,
		Generation:      m.Generation,
		Status:          domain.UnitStatus(m.Status),
		FailureCount:    m.FailureCount,
		FirstArrivalAt:  m.FirstArrivalAt,
		LastArrivalAt:   m.LastArrivalAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// --- Repository Implementation ---

// UnitGormRepository persists pending units in the relational store. Every
// mutation is a conditional UPDATE guarded by generation/status so two
// concurrent invocations can never both win the same transition.
type UnitGormRepository struct {
	db *gorm.DB
}

func NewUnitGormRepository(db *gorm.DB) *UnitGormRepository {
	return &UnitGormRepository{db: db}
}

func (r *UnitGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&pendingUnitModel{})
}

func (r *UnitGormRepository) Create(ctx context.Context, u *domain.PendingUnit, messageID string) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageModel{}).
			Where("id = ? AND applied = ?", messageID, false).
			Updates(map[string]any{"applied": true, "unit_id": u.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrMessageAlreadyApplied
		}
		model := toUnitModel(*u)
		if err := tx.Create(&model).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrActiveUnitExists
			}
			return err
		}
		return nil
	})
}

func (r *UnitGormRepository) GetByID(ctx context.Context, id string) (domain.PendingUnit, error) {
	var m pendingUnitModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PendingUnit{}, domain.ErrUnitNotFound
		}
		return domain.PendingUnit{}, err
	}
	return fromUnitModel(m), nil
}

func (r *UnitGormRepository) FindActive(ctx context.Context, clientID, senderKey string) (domain.PendingUnit, error) {
	var m pendingUnitModel
	err := r.db.WithContext(ctx).
		First(&m, "active_key = ?", domain.ActiveKey(clientID, senderKey)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PendingUnit{}, domain.ErrUnitNotFound
		}
		return domain.PendingUnit{}, err
	}
	return fromUnitModel(m), nil
}

func (r *UnitGormRepository) Merge(ctx context.Context, unitID, messageID, text string, now time.Time) (domain.PendingUnit, error) {
	var out domain.PendingUnit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageModel{}).
			Where("id = ? AND applied = ?", messageID, false).
			Updates(map[string]any{"applied": true, "unit_id": unitID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrMessageAlreadyApplied
		}

		// || concatenation works on both SQLite and Postgres.
		res = tx.Model(&pendingUnitModel{}).
			Where("id = ? AND status IN ?", unitID, []string{string(domain.StatusOpen), string(domain.StatusSettling)}).
			Updates(map[string]any{
				"accumulated_text": gorm.Expr("accumulated_text || ?", domain.TextDelimiter+text),
				"generation":       gorm.Expr("generation + 1"),
				"status":           string(domain.StatusOpen),
				"last_arrival_at":  now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrStaleUnit
		}

		var m pendingUnitModel
		if err := tx.First(&m, "id = ?", unitID).Error; err != nil {
			return err
		}
		out = fromUnitModel(m)
		return nil
	})
	return out, err
}

func (r *UnitGormRepository) Claim(ctx context.Context, unitID string, generation int64, now time.Time) (domain.PendingUnit, error) {
	return r.transition(ctx, unitID, map[string]any{
		"status":     string(domain.StatusSettling),
		"updated_at": now,
	}, "id = ? AND generation = ? AND status = ?", unitID, generation, string(domain.StatusOpen))
}

func (r *UnitGormRepository) Reopen(ctx context.Context, unitID string, now time.Time) (domain.PendingUnit, error) {
	return r.transition(ctx, unitID, map[string]any{
		"status":     string(domain.StatusOpen),
		"generation": gorm.Expr("generation + 1"),
		"updated_at": now,
	}, "id = ? AND status = ?", unitID, string(domain.StatusSettling))
}

func (r *UnitGormRepository) ReplaceText(ctx context.Context, unitID string, generation int64, text string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&pendingUnitModel{}).
		Where("id = ? AND generation = ? AND status IN ?",
			unitID, generation, []string{string(domain.StatusOpen), string(domain.StatusSettling)}).
		Updates(map[string]any{"accumulated_text": text, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStaleUnit
	}
	return nil
}

func (r *UnitGormRepository) MarkProcessed(ctx context.Context, unitID string, generation int64, now time.Time) (domain.PendingUnit, error) {
	return r.transition(ctx, unitID, map[string]any{
		"status":     string(domain.StatusProcessed),
		"active_key": nil,
		"updated_at": now,
	}, "id = ? AND generation = ? AND status = ?", unitID, generation, string(domain.StatusSettling))
}

func (r *UnitGormRepository) RecordFailure(ctx context.Context, unitID string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&pendingUnitModel{}).
		Where("id = ?", unitID).
		Updates(map[string]any{
			"failure_count": gorm.Expr("failure_count + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUnitNotFound
	}
	return nil
}

func (r *UnitGormRepository) Supersede(ctx context.Context, unitID string, now time.Time) (domain.PendingUnit, error) {
	return r.transition(ctx, unitID, map[string]any{
		"status":     string(domain.StatusSuperseded),
		"active_key": nil,
		"updated_at": now,
	}, "id = ? AND status IN ?", unitID, []string{string(domain.StatusOpen), string(domain.StatusSettling)})
}

func (r *UnitGormRepository) transition(ctx context.Context, unitID string, updates map[string]any, cond string, args ...any) (domain.PendingUnit, error) {
	var out domain.PendingUnit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&pendingUnitModel{}).Where(cond, args...).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrStaleUnit
		}
		var m pendingUnitModel
		if err := tx.First(&m, "id = ?", unitID).Error; err != nil {
			return err
		}
		out = fromUnitModel(m)
		return nil
	})
	return out, err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
