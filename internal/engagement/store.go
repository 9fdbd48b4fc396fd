package engagement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const engagementColumns = `id, user_id, session_id, personality_id, content, "trigger", confidence,
	optimal_timing, status, attempts, last_error, created_at, updated_at, delivered_at`

// Store handles database operations for engagements.
type Store struct {
	db *sql.DB
}

// NewStore creates a new engagement store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending engagement.
func (s *Store) Create(ctx context.Context, e *Engagement) error {
	return s.insert(ctx, e)
}

// CreateDelivered inserts an engagement that was already pushed, so that
// immediate deliveries still show up in history. The row is terminal from
// birth and never enters the claim queue.
func (s *Store) CreateDelivered(ctx context.Context, e *Engagement) error {
	now := time.Now().UTC()
	e.Status = StatusDelivered
	e.DeliveredAt = &now
	e.UpdatedAt = now
	return s.insert(ctx, e)
}

func (s *Store) insert(ctx context.Context, e *Engagement) error {
	query := `
		INSERT INTO engagements (id, user_id, session_id, personality_id, content, "trigger",
			confidence, optimal_timing, status, attempts, last_error, created_at, updated_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.ExecContext(
		ctx, query,
		e.ID,
		e.UserID,
		e.SessionID,
		e.PersonalityID,
		e.Content,
		e.Trigger,
		e.Confidence,
		e.OptimalTiming,
		e.Status,
		e.Attempts,
		e.LastError,
		e.CreatedAt,
		e.UpdatedAt,
		e.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert engagement: %w", err)
	}

	return nil
}

// Get retrieves a single engagement by id.
func (s *Store) Get(ctx context.Context, id string) (*Engagement, error) {
	query := `SELECT ` + engagementColumns + ` FROM engagements WHERE id = $1`

	e, err := scanEngagement(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get engagement: %w", err)
	}

	return e, nil
}

// ClaimDue atomically claims up to limit pending engagements whose optimal
// timing has passed, flipping them to processing. Each due row is handed to
// exactly one caller even under concurrent claims; rows come back ordered by
// optimal timing ascending.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Engagement, error) {
	if limit <= 0 {
		return []*Engagement{}, nil
	}

	query := `
		WITH claimed AS (
			UPDATE engagements
			SET status = 'processing', updated_at = now()
			WHERE id IN (
				SELECT id FROM engagements
				WHERE status = 'pending' AND optimal_timing <= $1
				ORDER BY optimal_timing ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + engagementColumns + `
		)
		SELECT ` + engagementColumns + ` FROM claimed ORDER BY optimal_timing ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due engagements: %w", err)
	}
	defer rows.Close()

	claimed := make([]*Engagement, 0)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed engagement: %w", err)
		}
		claimed = append(claimed, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed engagements: %w", err)
	}

	return claimed, nil
}

// MarkDelivered records a successful push for a claimed engagement.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	query := `
		UPDATE engagements
		SET status = 'delivered', delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark engagement delivered: %w", err)
	}

	return s.requireClaimed(ctx, res, id)
}

// RecordFailure counts a true send failure against a claimed engagement.
// Below maxAttempts the row goes back to pending for the next tick; at the
// cap it becomes failed. The resulting status is returned.
func (s *Store) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (Status, error) {
	query := `
		UPDATE engagements
		SET attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`

	var status Status
	err := s.db.QueryRowContext(ctx, query, id, reason, maxAttempts).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotClaimed
		}
		return "", fmt.Errorf("failed to record delivery failure: %w", err)
	}

	return status, nil
}

// Release returns a claimed engagement to pending without counting an
// attempt. Used when the user is offline or throttled: nothing failed, the
// moment was just wrong.
func (s *Store) Release(ctx context.Context, id string) error {
	query := `
		UPDATE engagements
		SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to release engagement: %w", err)
	}

	return s.requireClaimed(ctx, res, id)
}

// RequeueStale returns processing rows older than the threshold to pending.
// A process that dies mid-tick strands its claims in processing; this runs
// at the top of every tick so those rows are retried once the window passes.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE engagements
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
	`

	res, err := s.db.ExecContext(ctx, query, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale engagements: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued engagements: %w", err)
	}

	return n, nil
}

// Cancel cancels a pending engagement on behalf of its owner. Returns
// ErrNotFound for a missing id, ErrNotOwned when the row belongs to someone
// else, and ErrNotCancellable once the row has been claimed or finished.
func (s *Store) Cancel(ctx context.Context, id, userID string) error {
	query := `
		UPDATE engagements
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
	`

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel engagement: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched. Re-read to tell the caller which precondition broke.
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.UserID != userID {
		return ErrNotOwned
	}
	return fmt.Errorf("%w: status is %s", ErrNotCancellable, e.Status)
}

// ListPending returns a user's pending engagements ordered by optimal
// timing ascending, soonest first.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*Engagement, error) {
	query := `
		SELECT ` + engagementColumns + `
		FROM engagements
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY optimal_timing ASC
	`

	return s.list(ctx, query, userID)
}

// HistoryMaxLimit caps how many rows a single history call can return.
const HistoryMaxLimit = 1000

// ListHistory returns a user's engagements across all statuses, newest
// first. The limit is clamped to [1, HistoryMaxLimit].
func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]*Engagement, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > HistoryMaxLimit {
		limit = HistoryMaxLimit
	}

	query := `
		SELECT ` + engagementColumns + `
		FROM engagements
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	return s.list(ctx, query, userID, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Engagement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagements: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes to [] rather than null
	engagements := make([]*Engagement, 0)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engagement: %w", err)
		}
		engagements = append(engagements, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating engagements: %w", err)
	}

	return engagements, nil
}

// requireClaimed turns a zero-row conditional update into the right error:
// missing row -> ErrNotFound, present but not processing -> ErrNotClaimed.
func (s *Store) requireClaimed(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotClaimed
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEngagement(row rowScanner) (*Engagement, error) {
	e := &Engagement{}
	var lastError sql.NullString
	var deliveredAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.SessionID,
		&e.PersonalityID,
		&e.Content,
		&e.Trigger,
		&e.Confidence,
		&e.OptimalTiming,
		&e.Status,
		&e.Attempts,
		&lastError,
		&e.CreatedAt,
		&e.UpdatedAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		e.DeliveredAt = &t
	}

	return e, nil
}
