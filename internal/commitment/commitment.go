// Package commitment tracks the promises users make to their companion
// personalities: a description, an optional due date, a submission, and an
// AI verification verdict. The lifecycle is
// active -> submitted -> (completed | rejected | not_verifiable | needs_revision),
// with needs_revision looping back through submit.
package commitment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the commitment lifecycle state.
type Status string

const (
	StatusActive        Status = "active"
	StatusSubmitted     Status = "submitted"
	StatusCompleted     Status = "completed"
	StatusRejected      Status = "rejected"
	StatusNotVerifiable Status = "not_verifiable"
	StatusNeedsRevision Status = "needs_revision"
	StatusCancelled     Status = "cancelled"
)

// CanSubmit reports whether a submission is legal from s. Only active and
// needs_revision commitments accept submissions; anything in or past
// verification does not.
func CanSubmit(s Status) bool {
	return s == StatusActive || s == StatusNeedsRevision
}

// CanCancel reports whether the user may cancel from s. A submitted
// commitment must resolve its verification first.
func CanCancel(s Status) bool {
	return s == StatusActive || s == StatusNeedsRevision
}

// Outcome is a verification verdict from the oracle.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeRejected      Outcome = "rejected"
	OutcomeNotVerifiable Outcome = "not_verifiable"
	OutcomeNeedsRevision Outcome = "needs_revision"
)

// Valid reports whether o is one of the four recognized verdicts.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeRejected, OutcomeNotVerifiable, OutcomeNeedsRevision:
		return true
	}
	return false
}

// Status maps a verdict to the lifecycle state it produces.
func (o Outcome) Status() Status {
	return Status(o)
}

// Sentinel errors returned by the store and service.
var (
	ErrInvalid      = errors.New("invalid commitment")
	ErrNotFound     = errors.New("commitment not found")
	ErrNotOwned     = errors.New("commitment belongs to another user")
	ErrInvalidState = errors.New("commitment is in the wrong state")
)

// Commitment is one tracked promise.
type Commitment struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"userId"`
	ChatID                string     `json:"chatId"`
	CharacterID           string     `json:"characterId"`
	Description           string     `json:"description"`
	Type                  string     `json:"type"`
	Status                Status     `json:"status"`
	DueAt                 *time.Time `json:"dueAt,omitempty"`
	SubmittedAt           *time.Time `json:"submittedAt,omitempty"`
	VerifiedAt            *time.Time `json:"verifiedAt,omitempty"`
	SubmissionContent     *string    `json:"submissionContent,omitempty"`
	VerificationDecision  *string    `json:"verificationDecision,omitempty"`
	VerificationReasoning *string    `json:"verificationReasoning,omitempty"`
	RevisionCount         int        `json:"revisionCount"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// New builds an active commitment. The type defaults to "general" when
// blank; the due date is optional.
func New(userID, chatID, characterID, description, commitmentType string, dueAt *time.Time) (*Commitment, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, fmt.Errorf("%w: userId is required", ErrInvalid)
	case strings.TrimSpace(chatID) == "":
		return nil, fmt.Errorf("%w: chatId is required", ErrInvalid)
	case strings.TrimSpace(characterID) == "":
		return nil, fmt.Errorf("%w: characterId is required", ErrInvalid)
	case strings.TrimSpace(description) == "":
		return nil, fmt.Errorf("%w: description is required", ErrInvalid)
	}

	if commitmentType == "" {
		commitmentType = "general"
	}

	now := time.Now().UTC()
	c := &Commitment{
		ID:          uuid.New().String(),
		UserID:      userID,
		ChatID:      chatID,
		CharacterID: characterID,
		Description: description,
		Type:        commitmentType,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if dueAt != nil {
		due := dueAt.UTC()
		c.DueAt = &due
	}
	return c, nil
}
