// Package oracle is the AI boundary: it decides whether a character
// should proactively reach out, and verifies commitment submissions.
// Everything behind these interfaces is an LLM; everything in front of
// them treats the answers as plain data.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/delivery"
)

// ErrUnavailable is returned when no oracle is configured (no API key).
// The rest of the system keeps running without AI-initiated engagement.
var ErrUnavailable = errors.New("oracle is not configured")

// Message is one turn of recent conversation given to the oracle as context.
type Message struct {
	Role    string    `json:"role"` // "user" or "character"
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// EngagementContext is everything the oracle sees when deciding whether
// to reach out to a user.
type EngagementContext struct {
	UserID          string
	SessionID       string
	PersonalityID   string
	PersonalityName string
	RecentMessages  []Message
	LastUserMessage time.Time
}

// Submission is a commitment plus the user's claim of having done it.
type Submission struct {
	CommitmentID  string
	Description   string
	Type          string
	DueAt         *time.Time
	Content       string
	RevisionCount int
}

// Verdict is the oracle's judgement on a submission.
type Verdict struct {
	Outcome   commitment.Outcome
	Reasoning string
}

// EngagementOracle decides whether and when a character reaches out.
type EngagementOracle interface {
	DecideEngagement(ctx context.Context, ec EngagementContext) (delivery.Decision, error)
}

// VerificationOracle judges commitment submissions.
type VerificationOracle interface {
	VerifySubmission(ctx context.Context, sub Submission) (Verdict, error)
}
