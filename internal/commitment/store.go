package commitment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const commitmentColumns = `id, user_id, chat_id, character_id, description, commitment_type, status,
	due_at, submitted_at, verified_at, submission_content, verification_decision,
	verification_reasoning, revision_count, created_at, updated_at`

// Store handles database operations for commitments.
type Store struct {
	db *sql.DB
}

// NewStore creates a new commitment store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an active commitment.
func (s *Store) Create(ctx context.Context, c *Commitment) error {
	query := `
		INSERT INTO commitments (id, user_id, chat_id, character_id, description, commitment_type,
			status, due_at, submitted_at, verified_at, submission_content, verification_decision,
			verification_reasoning, revision_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := s.db.ExecContext(
		ctx, query,
		c.ID,
		c.UserID,
		c.ChatID,
		c.CharacterID,
		c.Description,
		c.Type,
		c.Status,
		c.DueAt,
		c.SubmittedAt,
		c.VerifiedAt,
		c.SubmissionContent,
		c.VerificationDecision,
		c.VerificationReasoning,
		c.RevisionCount,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}

	return nil
}

// Get retrieves a single commitment by id.
func (s *Store) Get(ctx context.Context, id string) (*Commitment, error) {
	query := `SELECT ` + commitmentColumns + ` FROM commitments WHERE id = $1`

	c, err := scanCommitment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}

	return c, nil
}

// Submit records a submission. Legal only from active or needs_revision;
// the guard lives in the WHERE clause so two concurrent submits cannot both
// win. Returns the updated commitment.
func (s *Store) Submit(ctx context.Context, id, userID, content string) (*Commitment, error) {
	query := `
		UPDATE commitments
		SET status = 'submitted',
			submission_content = $3,
			submitted_at = now(),
			updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'needs_revision')
		RETURNING ` + commitmentColumns

	c, err := scanCommitment(s.db.QueryRowContext(ctx, query, id, userID, content))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.diagnose(ctx, id, userID, CanSubmit)
		}
		return nil, fmt.Errorf("failed to submit commitment: %w", err)
	}

	return c, nil
}

// ApplyVerification resolves a submitted commitment with the oracle's
// verdict. The revision counter moves only on needs_revision: a commitment
// submitted, revised once, and completed ends with revision_count = 1.
func (s *Store) ApplyVerification(ctx context.Context, id string, outcome Outcome, reasoning string) (*Commitment, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown verification outcome %q", ErrInvalid, outcome)
	}

	query := `
		UPDATE commitments
		SET status = $2,
			verification_decision = $3,
			verification_reasoning = $4,
			revision_count = revision_count + CASE WHEN $3 = 'needs_revision' THEN 1 ELSE 0 END,
			verified_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'submitted'
		RETURNING ` + commitmentColumns

	c, err := scanCommitment(s.db.QueryRowContext(ctx, query, id, string(outcome.Status()), string(outcome), reasoning))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.diagnose(ctx, id, "", func(st Status) bool { return st == StatusSubmitted })
		}
		return nil, fmt.Errorf("failed to apply verification: %w", err)
	}

	return c, nil
}

// Cancel cancels a commitment on behalf of its owner. Legal from active and
// needs_revision; a submitted commitment must finish verification first.
func (s *Store) Cancel(ctx context.Context, id, userID string) error {
	query := `
		UPDATE commitments
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'needs_revision')
	`

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel commitment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n > 0 {
		return nil
	}

	return s.diagnose(ctx, id, userID, CanCancel)
}

// ListByUser returns a user's commitments, newest first, optionally
// filtered by status.
func (s *Store) ListByUser(ctx context.Context, userID string, status Status) ([]*Commitment, error) {
	query := `
		SELECT ` + commitmentColumns + `
		FROM commitments
		WHERE user_id = $1
	`
	args := []interface{}{userID}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commitments: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes to [] rather than null
	commitments := make([]*Commitment, 0)
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		commitments = append(commitments, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commitments: %w", err)
	}

	return commitments, nil
}

// diagnose explains a zero-row conditional update: missing row, wrong
// owner, or a state the operation is not legal from.
func (s *Store) diagnose(ctx context.Context, id, userID string, legal func(Status) bool) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && c.UserID != userID {
		return ErrNotOwned
	}
	if !legal(c.Status) {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}
	// The precondition holds on re-read; the original update lost a race.
	return fmt.Errorf("%w: concurrent update", ErrInvalidState)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(row rowScanner) (*Commitment, error) {
	c := &Commitment{}
	var dueAt, submittedAt, verifiedAt sql.NullTime
	var submission, decision, reasoning sql.NullString

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ChatID,
		&c.CharacterID,
		&c.Description,
		&c.Type,
		&c.Status,
		&dueAt,
		&submittedAt,
		&verifiedAt,
		&submission,
		&decision,
		&reasoning,
		&c.RevisionCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dueAt.Valid {
		t := dueAt.Time
		c.DueAt = &t
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		c.SubmittedAt = &t
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		c.VerifiedAt = &t
	}
	if submission.Valid {
		c.SubmissionContent = &submission.String
	}
	if decision.Valid {
		c.VerificationDecision = &decision.String
	}
	if reasoning.Valid {
		c.VerificationReasoning = &reasoning.String
	}

	return c, nil
}
