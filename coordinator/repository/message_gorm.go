package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// --- Persistence Models ---

type conversationModel struct {
	ID            string    `gorm:"primaryKey;column:id"`
	ClientID      string    `gorm:"column:client_id;not null;uniqueIndex:idx_conv_client_sender"`
	SenderKey     string    `gorm:"column:sender_key;not null;uniqueIndex:idx_conv_client_sender"`
	Phone         string    `gorm:"column:phone"`
	SourceChannel string    `gorm:"column:source_channel"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID             string `gorm:"primaryKey;column:id"`
	ConversationID string `gorm:"column:conversation_id;not null;index"`
	ClientID       string `gorm:"column:client_id;not null;uniqueIndex:idx_msg_client_external"`
	SenderKey      string `gorm:"column:sender_key"`
	UnitID         string `gorm:"column:unit_id;index"`
	// ExternalID gets a synthetic unique value when the provider supplies
	// none, so the composite unique index never collides on empty strings.
	ExternalID string    `gorm:"column:external_id;not null;uniqueIndex:idx_msg_client_external"`
	Role       string    `gorm:"column:role;not null"`
	Text       string    `gorm:"column:text;type:text"`
	Applied    bool      `gorm:"column:applied;not null;default:false"`
	Processed  bool      `gorm:"column:processed;not null;default:false;index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

func (messageModel) TableName() string { return "messages" }

func fromMessageModel(m messageModel) domain.Message {
	ext := m.ExternalID
	if strings.HasPrefix(ext, syntheticExternalPrefix) {
		ext = ""
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ClientID:       m.ClientID,
		SenderKey:      m.SenderKey,
		UnitID:         m.UnitID,
		ExternalID:     ext,
		Role:           domain.Role(m.Role),
		Text:           m.Text,
		Applied:        m.Applied,
		Processed:      m.Processed,
		CreatedAt:      m.CreatedAt,
	}
}

const syntheticExternalPrefix = "local:"

// --- Repository Implementation ---

// MessageGormRepository is the durable append-only message store.
type MessageGormRepository struct {
	db *gorm.DB
}

func NewMessageGormRepository(db *gorm.DB) *MessageGormRepository {
	return &MessageGormRepository{db: db}
}

func (r *MessageGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&conversationModel{}, &messageModel{})
}

func (r *MessageGormRepository) EnsureConversation(ctx context.Context, clientID, senderKey, phone, channel string) (domain.Conversation, error) {
	now := time.Now().UTC()
	model := conversationModel{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		SenderKey:     senderKey,
		Phone:         phone,
		SourceChannel: channel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Insert-if-absent on (client_id, sender_key); a concurrent create simply
	// loses and the winner's row is read back.
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}, {Name: "sender_key"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Conversation{}, res.Error
	}

	var m conversationModel
	err := r.db.WithContext(ctx).
		First(&m, "client_id = ? AND sender_key = ?", clientID, senderKey).Error
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:            m.ID,
		ClientID:      m.ClientID,
		SenderKey:     m.SenderKey,
		Phone:         m.Phone,
		SourceChannel: m.SourceChannel,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r *MessageGormRepository) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var m conversationModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, domain.ErrConversationNotFound
		}
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:            m.ID,
		ClientID:      m.ClientID,
		SenderKey:     m.SenderKey,
		Phone:         m.Phone,
		SourceChannel: m.SourceChannel,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r *MessageGormRepository) Insert(ctx context.Context, m *domain.Message) (domain.Message, bool, error) {
	ext := strings.TrimSpace(m.ExternalID)
	if ext == "" {
		ext = syntheticExternalPrefix + m.ID
	}
	model := messageModel{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ClientID:       m.ClientID,
		SenderKey:      m.SenderKey,
		UnitID:         m.UnitID,
		ExternalID:     ext,
		Role:           string(m.Role),
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Message{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return fromMessageModel(model), true, nil
	}

	// Redelivery: hand back the originally stored row.
	var existing messageModel
	err := r.db.WithContext(ctx).
		First(&existing, "client_id = ? AND external_id = ?", m.ClientID, ext).Error
	if err != nil {
		return domain.Message{}, false, err
	}
	return fromMessageModel(existing), false, nil
}

func (r *MessageGormRepository) MarkProcessed(ctx context.Context, unitID string) error {
	return r.db.WithContext(ctx).Model(&messageModel{}).
		Where("unit_id = ?", unitID).
		Update("processed", true).Error
}

func (r *MessageGormRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []messageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND (processed = ? OR role IN ?)", conversationID, true,
			[]string{string(domain.RoleAssistant), string(domain.RoleSystem)}).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	// Oldest first for prompt assembly.
	out := make([]domain.Message, len(models))
	for i, m := range models {
		out[len(models)-1-i] = fromMessageModel(m)
	}
	return out, nil
}
