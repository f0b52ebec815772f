package withdrawal

import (
	"errors"
	"time"
)

// Request statuses. Pending is the only non-terminal state.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Request is a payout request. The requested amount sits in the wallet's
// locked bucket while the request is pending.
type Request struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Amount      int64      `json:"amount"`
	Method      string     `json:"method"`
	Status      string     `json:"status"`
	AdminNotes  *string    `json:"admin_notes,omitempty"`
	PayoutID    *string    `json:"payout_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

var (
	// ErrNotFound is returned when no withdrawal matches the given id.
	ErrNotFound = errors.New("withdrawal not found")

	// ErrAlreadyProcessed is returned when the request is no longer pending.
	ErrAlreadyProcessed = errors.New("withdrawal already processed")
)
