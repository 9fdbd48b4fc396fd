package commitment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tetherhq/tether/internal/engagement"
)

// DefaultReminderLead is how far ahead of the due date the reminder
// engagement is scheduled.
const DefaultReminderLead = 24 * time.Hour

// ReminderSink receives the reminder engagements the service schedules.
// The engagement store satisfies it.
type ReminderSink interface {
	Create(ctx context.Context, e *engagement.Engagement) error
}

// VerifyEnqueuer hands a submitted commitment to the async verification
// queue.
type VerifyEnqueuer interface {
	EnqueueVerification(ctx context.Context, commitmentID string) error
}

type store interface {
	Create(ctx context.Context, c *Commitment) error
	Get(ctx context.Context, id string) (*Commitment, error)
	Submit(ctx context.Context, id, userID, content string) (*Commitment, error)
	ApplyVerification(ctx context.Context, id string, outcome Outcome, reasoning string) (*Commitment, error)
	Cancel(ctx context.Context, id, userID string) error
	ListByUser(ctx context.Context, userID string, status Status) ([]*Commitment, error)
}

// Service drives the commitment lifecycle and its two couplings: the
// reminder engagement scheduled off the due date, and the async
// verification kicked off by a submission.
type Service struct {
	store        store
	reminders    ReminderSink
	verifier     VerifyEnqueuer
	reminderLead time.Duration
}

// NewService creates a commitment service. A zero reminderLead falls back
// to DefaultReminderLead.
func NewService(st *Store, reminders ReminderSink, verifier VerifyEnqueuer, reminderLead time.Duration) *Service {
	if reminderLead <= 0 {
		reminderLead = DefaultReminderLead
	}
	return &Service{
		store:        st,
		reminders:    reminders,
		verifier:     verifier,
		reminderLead: reminderLead,
	}
}

// CreateParams carries the fields for a new commitment.
type CreateParams struct {
	UserID      string
	ChatID      string
	CharacterID string
	Description string
	Type        string
	DueAt       *time.Time
}

// Create persists a new commitment and, when a due date is set far enough
// out, schedules a reminder engagement one lead interval before it. A due
// date closer than the lead gets no reminder at all: nudging someone about
// a deadline that is practically here would just be noise. Reminder
// scheduling failures are logged, not returned; the commitment itself is
// already safe.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Commitment, error) {
	c, err := New(p.UserID, p.ChatID, p.CharacterID, p.Description, p.Type, p.DueAt)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	s.scheduleReminder(ctx, c)

	return c, nil
}

func (s *Service) scheduleReminder(ctx context.Context, c *Commitment) {
	if c.DueAt == nil {
		return
	}

	reminderAt := c.DueAt.Add(-s.reminderLead)
	if !reminderAt.After(time.Now()) {
		log.Debug().
			Str("commitment_id", c.ID).
			Time("due_at", *c.DueAt).
			Msg("due date inside reminder lead, skipping reminder")
		return
	}

	reminder, err := engagement.New(
		c.UserID,
		c.ChatID,
		c.CharacterID,
		reminderContent(c),
		engagement.ReminderTrigger(c.ID),
		0,
		reminderAt,
	)
	if err != nil {
		log.Error().Err(err).Str("commitment_id", c.ID).Msg("failed to build reminder engagement")
		return
	}

	if err := s.reminders.Create(ctx, reminder); err != nil {
		log.Error().Err(err).Str("commitment_id", c.ID).Msg("failed to schedule reminder engagement")
		return
	}

	log.Debug().
		Str("commitment_id", c.ID).
		Str("engagement_id", reminder.ID).
		Time("reminder_at", reminderAt).
		Msg("scheduled commitment reminder")
}

func reminderContent(c *Commitment) string {
	due := "soon"
	if c.DueAt != nil {
		due = c.DueAt.Format("Monday, Jan 2 at 15:04 MST")
	}
	return fmt.Sprintf("Just checking in on your commitment: %s. It's due %s.", c.Description, due)
}

// Get returns a commitment, enforcing ownership.
func (s *Service) Get(ctx context.Context, id, userID string) (*Commitment, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotOwned
	}
	return c, nil
}

// Lookup returns a commitment without an ownership check. It exists for
// internal workers; user-facing paths go through Get.
func (s *Service) Lookup(ctx context.Context, id string) (*Commitment, error) {
	return s.store.Get(ctx, id)
}

// List returns a user's commitments, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, status Status) ([]*Commitment, error) {
	return s.store.ListByUser(ctx, userID, status)
}

// Submit records a submission and enqueues its verification. The
// submission is durable even if the enqueue fails; the returned error then
// tells the caller verification has not started.
func (s *Service) Submit(ctx context.Context, id, userID, content string) (*Commitment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: submission content is required", ErrInvalid)
	}

	c, err := s.store.Submit(ctx, id, userID, content)
	if err != nil {
		return nil, err
	}

	if err := s.verifier.EnqueueVerification(ctx, c.ID); err != nil {
		log.Error().Err(err).Str("commitment_id", c.ID).Msg("failed to enqueue verification")
		return c, fmt.Errorf("failed to enqueue verification: %w", err)
	}

	log.Debug().Str("commitment_id", c.ID).Msg("submission queued for verification")
	return c, nil
}

// ApplyVerification resolves a submitted commitment with a verdict. Called
// by the verification worker.
func (s *Service) ApplyVerification(ctx context.Context, id string, outcome Outcome, reasoning string) (*Commitment, error) {
	c, err := s.store.ApplyVerification(ctx, id, outcome, reasoning)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("commitment_id", c.ID).
		Str("outcome", string(outcome)).
		Int("revision_count", c.RevisionCount).
		Msg("commitment verification applied")
	return c, nil
}

// Cancel cancels a commitment on behalf of its owner.
func (s *Service) Cancel(ctx context.Context, id, userID string) error {
	return s.store.Cancel(ctx, id, userID)
}
