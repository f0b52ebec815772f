package alerts

import "time"

// Task type constants
const (
	TaskNotify  = "notify:user"
	TaskAwardXP = "xp:award"
)

// Notify payload: one in-app notification fanned out to one or more users.
type NotifyPayload struct {
	UserIDs   []string  `json:"user_ids"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Reference string    `json:"reference,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// XP award payload, credited after a settlement completes.
type XPAwardPayload struct {
	UserID      string    `json:"user_id"`
	ActionKind  string    `json:"action_kind"` // purchase|sale|subscription
	ReferenceID string    `json:"reference_id"`
	SentAt      time.Time `json:"sent_at"`
}
