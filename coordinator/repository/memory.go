package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// MemoryUnitRepository keeps units in memory. For tests and dev mode only;
// production deployments use the GORM repository so concurrent invocations
// share state.
type MemoryUnitRepository struct {
	mu    sync.Mutex
	units map[string]*domain.PendingUnit
	msgs  *MemoryMessageRepository
}

func NewMemoryUnitRepository(msgs *MemoryMessageRepository) *MemoryUnitRepository {
	return &MemoryUnitRepository{
		units: make(map[string]*domain.PendingUnit),
		msgs:  msgs,
	}
}

func (r *MemoryUnitRepository) Init(ctx context.Context) error { return nil }

func (r *MemoryUnitRepository) Create(ctx context.Context, u *domain.PendingUnit, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.units {
		if existing.Active() && existing.ClientID == u.ClientID && existing.SenderKey == u.SenderKey {
			return domain.ErrActiveUnitExists
		}
	}
	if !r.msgs.markApplied(messageID, u.ID) {
		return domain.ErrMessageAlreadyApplied
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	r.units[u.ID] = &cp
	return nil
}

func (r *MemoryUnitRepository) GetByID(ctx context.Context, id string) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	if !ok {
		return domain.PendingUnit{}, domain.ErrUnitNotFound
	}
	return *u, nil
}

func (r *MemoryUnitRepository) FindActive(ctx context.Context, clientID, senderKey string) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.units {
		if u.Active() && u.ClientID == clientID && u.SenderKey == senderKey {
			return *u, nil
		}
	}
	return domain.PendingUnit{}, domain.ErrUnitNotFound
}

func (r *MemoryUnitRepository) Merge(ctx context.Context, unitID, messageID, text string, now time.Time) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok || !u.Active() {
		return domain.PendingUnit{}, domain.ErrStaleUnit
	}
	if !r.msgs.markApplied(messageID, unitID) {
		return domain.PendingUnit{}, domain.ErrMessageAlreadyApplied
	}
	u.AccumulatedText = u.AccumulatedText + domain.TextDelimiter + text
	u.Generation++
	u.Status = domain.StatusOpen
	u.LastArrivalAt = now
	u.UpdatedAt = now
	return *u, nil
}

func (r *MemoryUnitRepository) Claim(ctx context.Context, unitID string, generation int64, now time.Time) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok || u.Status != domain.StatusOpen || u.Generation != generation {
		return domain.PendingUnit{}, domain.ErrStaleUnit
	}
	u.Status = domain.StatusSettling
	u.UpdatedAt = now
	return *u, nil
}

func (r *MemoryUnitRepository) Reopen(ctx context.Context, unitID string, now time.Time) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok || u.Status != domain.StatusSettling {
		return domain.PendingUnit{}, domain.ErrStaleUnit
	}
	u.Status = domain.StatusOpen
	u.Generation++
	u.UpdatedAt = now
	return *u, nil
}

func (r *MemoryUnitRepository) ReplaceText(ctx context.Context, unitID string, generation int64, text string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok || !u.Active() || u.Generation != generation {
		return domain.ErrStaleUnit
	}
	u.AccumulatedText = text
	u.UpdatedAt = now
	return nil
}

func (r *MemoryUnitRepository) MarkProcessed(ctx context.Context, unitID string, generation int64, now time.Time) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok || u.Status != domain.StatusSettling || u.Generation != generation {
		return domain.PendingUnit{}, domain.ErrStaleUnit
	}
	u.Status = domain.StatusProcessed
	u.UpdatedAt = now
	return *u, nil
}

func (r *MemoryUnitRepository) RecordFailure(ctx context.Context, unitID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok {
		return domain.ErrUnitNotFound
	}
	u.FailureCount++
	u.UpdatedAt = now
	return nil
}

func (r *MemoryUnitRepository) Supersede(ctx context.Context, unitID string, now time.Time) (domain.PendingUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok {
		return domain.PendingUnit{}, domain.ErrUnitNotFound
	}
	if !u.Active() {
		return domain.PendingUnit{}, domain.ErrStaleUnit
	}
	u.Status = domain.StatusSuperseded
	u.UpdatedAt = now
	return *u, nil
}

// MemoryMessageRepository keeps messages and conversations in memory.
type MemoryMessageRepository struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string]*domain.Message),
	}
}

func (r *MemoryMessageRepository) Init(ctx context.Context) error { return nil }

func (r *MemoryMessageRepository) EnsureConversation(ctx context.Context, clientID, senderKey, phone, channel string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conversations {
		if c.ClientID == clientID && c.SenderKey == senderKey {
			return *c, nil
		}
	}
	now := time.Now()
	c := &domain.Conversation{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		SenderKey:     senderKey,
		Phone:         phone,
		SourceChannel: channel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.conversations[c.ID] = c
	return *c, nil
}

func (r *MemoryMessageRepository) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return *c, nil
}

func (r *MemoryMessageRepository) Insert(ctx context.Context, m *domain.Message) (domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(m.ExternalID) != "" {
		for _, existing := range r.messages {
			if existing.ClientID == m.ClientID && existing.ExternalID == m.ExternalID {
				return *existing, false, nil
			}
		}
	}
	cp := *m
	r.messages[m.ID] = &cp
	return cp, true, nil
}

func (r *MemoryMessageRepository) MarkProcessed(ctx context.Context, unitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.UnitID == unitID {
			m.Processed = true
		}
	}
	return nil
}

func (r *MemoryMessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if m.Role == domain.RoleAssistant || m.Role == domain.RoleSystem || m.Processed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// markApplied flips the applied flag exactly once. Returns false when the
// message is missing or was already applied.
func (r *MemoryMessageRepository) markApplied(messageID, unitID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.Applied {
		return false
	}
	m.Applied = true
	m.UnitID = unitID
	return true
}
