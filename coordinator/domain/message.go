package domain

import "time"

// Role distinguishes who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Channel names accepted from adapters.
const (
	ChannelWhatsApp = "wagateway"
	ChannelChatwoot = "chatwoot"
	ChannelAPI      = "api"
)

// Arrival is the canonical inbound event every channel adapter produces.
type Arrival struct {
	ClientID      string
	SenderKey     string
	Phone         string
	Text          string
	Role          Role
	SourceChannel string
	// SourceRef points back at the owning channel's native conversation id,
	// used as the reply target for channels like Chatwoot.
	SourceRef string
	// ExternalID is the provider-supplied message id when available. Message
	// inserts are keyed by it so webhook redelivery cannot duplicate text.
	ExternalID string
}

// Conversation groups every message exchanged with one sender on one client.
// Created lazily on the first arrival.
type Conversation struct {
	ID            string
	ClientID      string
	SenderKey     string
	Phone         string
	SourceChannel string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is the durable record of a single inbound or outbound message.
// Inbound text is persisted here before the unit is touched, so a crash
// between arrival and settle-check never silently drops text.
type Message struct {
	ID             string
	ConversationID string
	ClientID       string
	SenderKey      string
	// UnitID links the message to the burst that absorbed it, once applied.
	UnitID     string
	ExternalID string
	Role       Role
	Text       string
	// Applied is set atomically with the unit append; it is the exactly-once
	// guard for retried arrivals.
	Applied   bool
	Processed bool
	CreatedAt time.Time
}
