// Package engagement holds the proactive engagement model and its
// Postgres-backed store. An engagement is a single pending outreach from a
// companion personality to a user: what to say, when to say it, and what
// happened to it.
package engagement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the engagement lifecycle state. It is the single source of
// truth for delivery progress; there is no separate delivered flag.
type Status string

const (
	// StatusPending means the engagement is waiting for its optimal timing.
	StatusPending Status = "pending"
	// StatusProcessing marks a row claimed by a delivery tick. Transient:
	// every claim ends in delivered, failed, or a release back to pending.
	StatusProcessing Status = "processing"
	// StatusDelivered means the push was written to the user's connection.
	StatusDelivered Status = "delivered"
	// StatusCancelled means the user cancelled it while still pending.
	StatusCancelled Status = "cancelled"
	// StatusFailed means delivery failed at the attempt cap.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusDelivered, StatusFailed, StatusPending},
	StatusDelivered:  {},
	StatusCancelled:  {},
	StatusFailed:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// The store enforces the same edges in SQL so concurrent writers cannot
// bypass them; this function exists for callers that want to pre-check.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Trigger values recorded on engagements. Reminder triggers carry the
// commitment id so history can be traced back to its source.
const (
	TriggerOracleDecision = "oracle_decision"
	TriggerUserScheduled  = "user_scheduled"

	reminderTriggerPrefix = "commitment_reminder:"
)

// ReminderTrigger builds the trigger string for a commitment reminder.
func ReminderTrigger(commitmentID string) string {
	return reminderTriggerPrefix + commitmentID
}

// ReminderCommitmentID extracts the commitment id from a reminder trigger.
// The second return is false for non-reminder triggers.
func ReminderCommitmentID(trigger string) (string, bool) {
	if !strings.HasPrefix(trigger, reminderTriggerPrefix) {
		return "", false
	}
	id := trigger[len(reminderTriggerPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}

// Sentinel errors returned by the store. Callers match with errors.Is.
var (
	ErrInvalid        = errors.New("invalid engagement")
	ErrNotFound       = errors.New("engagement not found")
	ErrNotOwned       = errors.New("engagement belongs to another user")
	ErrNotCancellable = errors.New("engagement is no longer pending")
	ErrNotClaimed     = errors.New("engagement is not claimed")
)

// Engagement is one proactive message and its delivery state.
type Engagement struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	SessionID     string     `json:"sessionId"`
	PersonalityID string     `json:"personalityId"`
	Content       string     `json:"content"`
	Trigger       string     `json:"trigger"`
	Confidence    float64    `json:"confidence"`
	OptimalTiming time.Time  `json:"optimalTiming"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

// New builds a pending engagement, validating the fields that must hold
// before anything touches the database.
func New(userID, sessionID, personalityID, content, trigger string, confidence float64, optimalTiming time.Time) (*Engagement, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, fmt.Errorf("%w: userId is required", ErrInvalid)
	case strings.TrimSpace(sessionID) == "":
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalid)
	case strings.TrimSpace(personalityID) == "":
		return nil, fmt.Errorf("%w: personalityId is required", ErrInvalid)
	case strings.TrimSpace(content) == "":
		return nil, fmt.Errorf("%w: content is required", ErrInvalid)
	case trigger == "":
		return nil, fmt.Errorf("%w: trigger is required", ErrInvalid)
	case confidence < 0 || confidence > 1:
		return nil, fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalid)
	case optimalTiming.IsZero():
		return nil, fmt.Errorf("%w: optimalTiming is required", ErrInvalid)
	}

	now := time.Now().UTC()
	return &Engagement{
		ID:            uuid.New().String(),
		UserID:        userID,
		SessionID:     sessionID,
		PersonalityID: personalityID,
		Content:       content,
		Trigger:       trigger,
		Confidence:    confidence,
		OptimalTiming: optimalTiming.UTC(),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
