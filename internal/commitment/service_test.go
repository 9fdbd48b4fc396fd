package commitment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether/internal/engagement"
)

// fakeStore mirrors the store's transition rules in memory so the service
// paths can be exercised without Postgres.
type fakeStore struct {
	mu   sync.Mutex
	byID map[string]*Commitment
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*Commitment)}
}

func (f *fakeStore) Create(ctx context.Context, c *Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.byID[c.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) Submit(ctx context.Context, id, userID, content string) (*Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.UserID != userID {
		return nil, ErrNotOwned
	}
	if !CanSubmit(c.Status) {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}
	now := time.Now().UTC()
	c.Status = StatusSubmitted
	c.SubmissionContent = &content
	c.SubmittedAt = &now
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ApplyVerification(ctx context.Context, id string, outcome Outcome, reasoning string) (*Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}
	now := time.Now().UTC()
	c.Status = outcome.Status()
	decision := string(outcome)
	c.VerificationDecision = &decision
	c.VerificationReasoning = &reasoning
	c.VerifiedAt = &now
	c.UpdatedAt = now
	if outcome == OutcomeNeedsRevision {
		c.RevisionCount++
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) Cancel(ctx context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.UserID != userID {
		return ErrNotOwned
	}
	if !CanCancel(c.Status) {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}
	c.Status = StatusCancelled
	return nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string, status Status) ([]*Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Commitment, 0)
	for _, c := range f.byID {
		if c.UserID != userID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

type fakeReminders struct {
	created []*engagement.Engagement
	err     error
}

func (f *fakeReminders) Create(ctx context.Context, e *engagement.Engagement) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, e)
	return nil
}

type fakeVerifier struct {
	enqueued []string
	err      error
}

func (f *fakeVerifier) EnqueueVerification(ctx context.Context, commitmentID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, commitmentID)
	return nil
}

func newTestService(lead time.Duration) (*Service, *fakeStore, *fakeReminders, *fakeVerifier) {
	fs := newFakeStore()
	rem := &fakeReminders{}
	ver := &fakeVerifier{}
	svc := &Service{store: fs, reminders: rem, verifier: ver, reminderLead: lead}
	return svc, fs, rem, ver
}

func TestServiceCreateSchedulesReminder(t *testing.T) {
	svc, _, rem, _ := newTestService(24 * time.Hour)
	ctx := context.Background()

	due := time.Now().Add(48 * time.Hour)
	c, err := svc.Create(ctx, CreateParams{
		UserID:      "user-1",
		ChatID:      "chat-1",
		CharacterID: "char-1",
		Description: "finish the essay draft",
		Type:        "task",
		DueAt:       &due,
	})
	require.NoError(t, err)

	require.Len(t, rem.created, 1)
	reminder := rem.created[0]
	assert.Equal(t, "user-1", reminder.UserID)
	assert.Equal(t, "chat-1", reminder.SessionID)
	assert.Equal(t, "char-1", reminder.PersonalityID)
	assert.Equal(t, engagement.ReminderTrigger(c.ID), reminder.Trigger)
	assert.Contains(t, reminder.Content, "finish the essay draft")
	assert.WithinDuration(t, due.Add(-24*time.Hour), reminder.OptimalTiming, 2*time.Second)

	id, ok := engagement.ReminderCommitmentID(reminder.Trigger)
	require.True(t, ok)
	assert.Equal(t, c.ID, id)
}

func TestServiceCreateSkipsReminderInsideLead(t *testing.T) {
	svc, _, rem, _ := newTestService(24 * time.Hour)

	// Due in one hour: the reminder instant is already in the past.
	due := time.Now().Add(time.Hour)
	_, err := svc.Create(context.Background(), CreateParams{
		UserID:      "user-1",
		ChatID:      "chat-1",
		CharacterID: "char-1",
		Description: "quick errand",
		DueAt:       &due,
	})
	require.NoError(t, err)
	assert.Empty(t, rem.created, "no reminder for a due date inside the lead window")
}

func TestServiceCreateNoDueDateNoReminder(t *testing.T) {
	svc, _, rem, _ := newTestService(24 * time.Hour)

	_, err := svc.Create(context.Background(), CreateParams{
		UserID:      "user-1",
		ChatID:      "chat-1",
		CharacterID: "char-1",
		Description: "open-ended promise",
	})
	require.NoError(t, err)
	assert.Empty(t, rem.created)
}

func TestServiceCreateReminderFailureIsNotFatal(t *testing.T) {
	svc, fs, rem, _ := newTestService(24 * time.Hour)
	rem.err = errors.New("engagement store down")

	due := time.Now().Add(48 * time.Hour)
	c, err := svc.Create(context.Background(), CreateParams{
		UserID:      "user-1",
		ChatID:      "chat-1",
		CharacterID: "char-1",
		Description: "still created",
		DueAt:       &due,
	})
	require.NoError(t, err)

	stored, err := fs.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestServiceSubmit(t *testing.T) {
	svc, _, _, ver := newTestService(24 * time.Hour)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "write a poem",
	})
	require.NoError(t, err)

	got, err := svc.Submit(ctx, c.ID, "user-1", "roses are red")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
	require.NotNil(t, got.SubmissionContent)
	assert.Equal(t, "roses are red", *got.SubmissionContent)
	assert.Equal(t, []string{c.ID}, ver.enqueued)
}

func TestServiceSubmitValidation(t *testing.T) {
	svc, _, _, ver := newTestService(24 * time.Hour)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "something",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, c.ID, "user-1", "   ")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, ver.enqueued)

	_, err = svc.Submit(ctx, c.ID, "user-2", "not mine")
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestServiceSubmitEnqueueFailureSurfaces(t *testing.T) {
	svc, fs, _, ver := newTestService(24 * time.Hour)
	ver.err = errors.New("queue unavailable")
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "queued promise",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, c.ID, "user-1", "done it")
	require.Error(t, err)

	// The submission itself is durable even when the enqueue fails.
	stored, err := fs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, stored.Status)
}

// A commitment submitted, sent back for revision, resubmitted, and then
// completed has exactly one revision, not two.
func TestServiceRevisionCounting(t *testing.T) {
	svc, _, _, _ := newTestService(24 * time.Hour)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "revise me",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, c.ID, "user-1", "first draft")
	require.NoError(t, err)

	got, err := svc.ApplyVerification(ctx, c.ID, OutcomeNeedsRevision, "missing the second half")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsRevision, got.Status)
	assert.Equal(t, 1, got.RevisionCount)

	_, err = svc.Submit(ctx, c.ID, "user-1", "second draft")
	require.NoError(t, err)

	got, err = svc.ApplyVerification(ctx, c.ID, OutcomeCompleted, "looks complete now")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RevisionCount, "completion must not bump the revision counter")
}

func TestServiceIllegalTransitions(t *testing.T) {
	svc, _, _, _ := newTestService(24 * time.Hour)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "strict lifecycle",
	})
	require.NoError(t, err)

	// Verification before any submission is illegal.
	_, err = svc.ApplyVerification(ctx, c.ID, OutcomeCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.Submit(ctx, c.ID, "user-1", "draft")
	require.NoError(t, err)

	// Double submit while verification is pending is illegal.
	_, err = svc.Submit(ctx, c.ID, "user-1", "again")
	assert.ErrorIs(t, err, ErrInvalidState)

	// So is cancelling mid-verification.
	err = svc.Cancel(ctx, c.ID, "user-1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.ApplyVerification(ctx, c.ID, OutcomeCompleted, "all good")
	require.NoError(t, err)

	// Terminal states accept nothing further.
	_, err = svc.Submit(ctx, c.ID, "user-1", "too late")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = svc.ApplyVerification(ctx, c.ID, OutcomeRejected, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestServiceGetEnforcesOwnership(t *testing.T) {
	svc, _, _, _ := newTestService(24 * time.Hour)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateParams{
		UserID: "user-1", ChatID: "chat-1", CharacterID: "char-1", Description: "mine",
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, c.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = svc.Get(ctx, c.ID, "user-2")
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = svc.Get(ctx, "missing-id", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
