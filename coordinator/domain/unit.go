package domain

import "time"

// UnitStatus is the lifecycle state of a pending arrival unit.
type UnitStatus string

const (
	StatusOpen       UnitStatus = "open"
	StatusSettling   UnitStatus = "settling"
	StatusProcessed  UnitStatus = "processed"
	StatusSuperseded UnitStatus = "superseded"
)

// TextDelimiter joins message bodies accumulated into the same burst.
const TextDelimiter = " "

// PendingUnit is one in-flight burst of messages from a single sender on a
// single client that has not yet been handed to the completion trigger.
// At most one open/settling unit exists per (ClientID, SenderKey); the
// repository enforces this with an active-key unique index, not a lock.
type PendingUnit struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	SenderKey       string     `json:"sender_key"`
	Phone           string     `json:"phone,omitempty"`
	ConversationID  string     `json:"conversation_id"`
	SourceChannel   string     `json:"source_channel"`
	SourceRef       string     `json:"source_ref,omitempty"`
	AccumulatedText string     `json:"accumulated_text"`
	Generation      int64      `json:"generation"`
	Status          UnitStatus `json:"status"`
	FailureCount    int        `json:"failure_count"`
	FirstArrivalAt  time.Time  `json:"first_arrival_at"`
	LastArrivalAt   time.Time  `json:"last_arrival_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Active reports whether the unit can still absorb arrivals.
func (u PendingUnit) Active() bool {
	return u.Status == StatusOpen || u.Status == StatusSettling
}

// ActiveKey is the correlation key enforced unique while the unit is active.
func ActiveKey(clientID, senderKey string) string {
	return clientID + "|" + senderKey
}

// ArrivalResult tells the caller whether the arrival opened a new unit or
// merged into an existing one.
type ArrivalResult struct {
	WasCreated bool        `json:"was_created"`
	UnitID     string      `json:"unit_id"`
	Unit       PendingUnit `json:"unit"`
}

// SettleResult reports what a settle-check did.
type SettleResult struct {
	Processed   bool `json:"processed"`
	Rescheduled bool `json:"rescheduled"`
}

// SettleRef identifies a scheduled settle-check. Generation pins the burst
// state observed when the check was scheduled; a bumped generation makes the
// callback stale.
type SettleRef struct {
	UnitID     string
	ClientID   string
	SenderKey  string
	Generation int64
}
