package domain

import "errors"

var (
	ErrUnitNotFound         = errors.New("pending unit not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrActiveUnitExists     = errors.New("an active unit already exists for this sender")
	// ErrStaleUnit signals that a conditional update lost: the unit's
	// generation or status changed since it was read.
	ErrStaleUnit = errors.New("unit generation or status changed concurrently")
	// ErrMessageAlreadyApplied signals a redelivered arrival whose text was
	// already folded into a unit.
	ErrMessageAlreadyApplied = errors.New("message already applied to a unit")
)
