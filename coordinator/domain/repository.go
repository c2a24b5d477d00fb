package domain

import (
	"context"
	"time"
)

// UnitRepository is the durable store for pending arrival units. Every
// mutation is an atomic conditional operation; callers never read-modify-write
// outside of it. Implementations must be safe for concurrent use from
// independent request handlers.
type UnitRepository interface {
	Init(ctx context.Context) error

	// Create inserts a fresh unit (generation 1) and marks its first message
	// applied in the same transaction. Returns ErrActiveUnitExists when
	// another active unit holds the (clientID, senderKey) slot, and
	// ErrMessageAlreadyApplied when the message was applied by an earlier
	// delivery of the same arrival.
	Create(ctx context.Context, u *PendingUnit, messageID string) error

	GetByID(ctx context.Context, id string) (PendingUnit, error)

	// FindActive returns the open or settling unit for the sender, or
	// ErrUnitNotFound.
	FindActive(ctx context.Context, clientID, senderKey string) (PendingUnit, error)

	// Merge appends text to the unit, bumps its generation, reopens it and
	// marks the message applied, all in one transaction. Returns ErrStaleUnit
	// if the unit went terminal, ErrMessageAlreadyApplied for redeliveries.
	Merge(ctx context.Context, unitID, messageID, text string, now time.Time) (PendingUnit, error)

	// Claim transitions open -> settling, conditional on the generation the
	// settle-check observed. ErrStaleUnit if the condition does not hold.
	Claim(ctx context.Context, unitID string, generation int64, now time.Time) (PendingUnit, error)

	// Reopen transitions settling -> open and bumps the generation so any
	// in-flight claim goes stale. Recovery path for a unit stuck settling
	// after a completion failure. ErrStaleUnit if the unit is not settling.
	Reopen(ctx context.Context, unitID string, now time.Time) (PendingUnit, error)

	// ReplaceText swaps the accumulated text, conditional on the generation
	// and the unit still being active. Used to drop burst text that already
	// got a reply when an arrival landed mid-completion.
	ReplaceText(ctx context.Context, unitID string, generation int64, text string, now time.Time) error

	// MarkProcessed transitions settling -> processed and releases the
	// active-key slot, conditional on generation.
	MarkProcessed(ctx context.Context, unitID string, generation int64, now time.Time) (PendingUnit, error)

	// RecordFailure increments the completion failure counter; the unit stays
	// settling.
	RecordFailure(ctx context.Context, unitID string, now time.Time) error

	// Supersede abandons a stuck unit, releasing the active-key slot so the
	// next arrival opens a fresh one. Operator-triggered.
	Supersede(ctx context.Context, unitID string, now time.Time) (PendingUnit, error)
}

// MessageRepository is the append-only message store.
type MessageRepository interface {
	Init(ctx context.Context) error

	// EnsureConversation finds or lazily creates the conversation for a
	// sender.
	EnsureConversation(ctx context.Context, clientID, senderKey, phone, channel string) (Conversation, error)

	GetConversation(ctx context.Context, id string) (Conversation, error)

	// Insert persists the message. When ExternalID is set the insert is
	// keyed by (clientID, externalID) with insert-if-absent semantics; the
	// returned message is the stored row (the pre-existing one on
	// redelivery) and created reports whether a new row was written.
	Insert(ctx context.Context, m *Message) (Message, bool, error)

	// MarkProcessed flags every message applied to the unit as processed.
	MarkProcessed(ctx context.Context, unitID string) error

	// ListRecent returns the most recent processed messages of a
	// conversation, oldest first, for completion history.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Scheduler is the durable delayed-execution primitive: the callback fires no
// earlier than delay, at least once, with no retraction. Staleness is handled
// reactively by the settle-check itself.
type Scheduler interface {
	Schedule(ctx context.Context, ref SettleRef, delay time.Duration) error
}

// CompletionTrigger invokes the reply pipeline once a burst has settled.
type CompletionTrigger interface {
	Process(ctx context.Context, conversationID, phone, accumulatedText, sourceRef string) error
}

// SettleGuard deduplicates settle-check callbacks delivered more than once,
// e.g. across replicas. Best effort; the generation check stays authoritative.
type SettleGuard interface {
	Acquire(ctx context.Context, unitID string, generation int64) (bool, error)
}
