package model

import "time"

// Status is the lifecycle state of a message.
//
// pending -> sending -> {completed | failed}
//
// Terminal states are final: a re-send is a new message. "completed" means
// the dispatch attempt finished, not that every recipient succeeded; the
// per-channel verdicts live in Results.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OutcomeStatus is the per-channel delivery verdict.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// DeliveryOutcome records the result of one dispatch attempt to one channel.
type DeliveryOutcome struct {
	Channel   string
	Platform  Platform
	Status    OutcomeStatus
	Error     string
	Timestamp time.Time
}

// Message is one authored broadcast and its accumulated delivery record.
//
// Channels holds ordered channel IDs as submitted by the caller; duplicates
// are a caller error, not enforced here. A nil ScheduledAt means "dispatch
// immediately on submission". SentAt is set exactly when the message enters
// a terminal state.
type Message struct {
	ID          string
	Content     string
	Rendered    map[Platform]string
	Channels    []string
	ScheduledAt *time.Time
	Status      Status
	CreatedAt   time.Time
	SentAt      *time.Time
	Results     []DeliveryOutcome
}

// Body returns the rendered variant for a platform, falling back to the raw
// content when no variant exists.
func (m *Message) Body(p Platform) string {
	if b, ok := m.Rendered[p]; ok && b != "" {
		return b
	}
	return m.Content
}
