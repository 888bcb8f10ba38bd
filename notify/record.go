package notify

import "time"

// Status tracks a notification through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed" // dead-lettered, terminal
)

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Record is one durable notification. Rows survive restarts; anything not
// terminal is picked up again by the drain loop.
type Record struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	Target        string    `json:"target"`
	Payload       string    `json:"payload"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	Status        Status    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
