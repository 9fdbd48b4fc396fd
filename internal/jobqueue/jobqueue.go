/*
Package jobqueue provides a River-based job queue for commitment verification.

For configuration options and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/oracle"
)

// VerifyCommitmentArgs represents the arguments for a verification job
type VerifyCommitmentArgs struct {
	CommitmentID string `json:"commitment_id"`
}

// Kind returns the job kind for River
func (VerifyCommitmentArgs) Kind() string {
	return "commitment_verify"
}

// Commitments is the slice of the commitment service the worker needs.
type Commitments interface {
	Lookup(ctx context.Context, id string) (*commitment.Commitment, error)
	ApplyVerification(ctx context.Context, id string, outcome commitment.Outcome, reasoning string) (*commitment.Commitment, error)
}

// VerifyWorker runs the verification oracle against submitted commitments
type VerifyWorker struct {
	river.WorkerDefaults[VerifyCommitmentArgs]
	commitments Commitments
	verifier    oracle.VerificationOracle
	config      *QueueConfig
}

// Timeout bounds a single verification run including oracle retries
func (w *VerifyWorker) Timeout(*river.Job[VerifyCommitmentArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work verifies one submitted commitment
func (w *VerifyWorker) Work(ctx context.Context, job *river.Job[VerifyCommitmentArgs]) error {
	id := job.Args.CommitmentID

	c, err := w.commitments.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFound) {
			// Deleted while queued; nothing to verify.
			log.Warn().Str("commitment_id", id).Msg("verification job for missing commitment")
			return nil
		}
		return fmt.Errorf("failed to load commitment: %w", err)
	}

	// Only submitted commitments get verified. Anything else means the
	// user re-submitted or cancelled while this job sat in the queue.
	if c.Status != commitment.StatusSubmitted {
		log.Debug().Str("commitment_id", id).Str("status", string(c.Status)).Msg("skipping verification, commitment no longer submitted")
		return nil
	}

	verdict, err := w.verify(ctx, c)
	if err != nil {
		return err
	}

	if _, err := w.commitments.ApplyVerification(ctx, id, verdict.Outcome, verdict.Reasoning); err != nil {
		if errors.Is(err, commitment.ErrInvalidState) {
			// Lost a race with a cancel; the commitment moved on without us.
			log.Debug().Str("commitment_id", id).Msg("commitment changed state during verification")
			return nil
		}
		return fmt.Errorf("failed to apply verification: %w", err)
	}
	return nil
}

func (w *VerifyWorker) verify(ctx context.Context, c *commitment.Commitment) (oracle.Verdict, error) {
	// With no oracle configured the commitment must still leave the
	// submitted state, so it resolves as not verifiable.
	if w.verifier == nil {
		return oracle.Verdict{
			Outcome:   commitment.OutcomeNotVerifiable,
			Reasoning: "no verification oracle is configured",
		}, nil
	}

	sub := oracle.Submission{
		CommitmentID:  c.ID,
		Description:   c.Description,
		Type:          c.Type,
		DueAt:         c.DueAt,
		RevisionCount: c.RevisionCount,
	}
	if c.SubmissionContent != nil {
		sub.Content = *c.SubmissionContent
	}

	verdict, err := w.verifier.VerifySubmission(ctx, sub)
	if err != nil {
		return oracle.Verdict{}, fmt.Errorf("verification oracle failed: %w", err)
	}
	return verdict, nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance. The verifier may be nil;
// queued verifications then resolve to not_verifiable.
func NewJobQueue(databaseURL string, commitments Commitments, verifier oracle.VerificationOracle) (*JobQueue, error) {
	config := DefaultQueueConfig()

	// River runs on pgx; the queue owns its own pool separate from the
	// database/sql handle the stores use.
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &VerifyWorker{commitments: commitments, verifier: verifier, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// EnqueueVerification queues a verification job for a submitted commitment
func (jq *JobQueue) EnqueueVerification(ctx context.Context, commitmentID string) error {
	_, err := jq.client.Insert(ctx, VerifyCommitmentArgs{CommitmentID: commitmentID}, &river.InsertOpts{
		MaxAttempts: jq.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to queue verification job: %w", err)
	}
	return nil
}
