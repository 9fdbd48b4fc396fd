package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tetherhq/tether/internal/engagement"
)

// EngagementStore is the persistence surface the delivery pipeline needs.
// The engagement package's Postgres store satisfies it.
type EngagementStore interface {
	Create(ctx context.Context, e *engagement.Engagement) error
	CreateDelivered(ctx context.Context, e *engagement.Engagement) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*engagement.Engagement, error)
	MarkDelivered(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (engagement.Status, error)
	Release(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Registry is the connection surface the pipeline pushes through.
type Registry interface {
	IsConnected(userID string) bool
	Send(userID string, payload interface{}) error
}

// Defaults for the coordinator's tunables.
const (
	DefaultMaxAttempts = 5
	DefaultUserBurst   = 3
)

// DefaultUserRate allows one push per user per thirty seconds once the
// burst is spent.
var DefaultUserRate = rate.Every(30 * time.Second)

// Config carries the coordinator's tunables. Zero values fall back to the
// defaults above.
type Config struct {
	// MaxAttempts bounds true send failures per engagement; at the cap the
	// engagement is failed with its last error recorded.
	MaxAttempts int
	// UserRate and UserBurst throttle pushes per user so a reconnect over a
	// backlog does not flood the client in one tick.
	UserRate  rate.Limit
	UserBurst int
}

// ResultOutcome says what ProcessDecision did with a decision.
type ResultOutcome string

const (
	// ResultDeclined means the oracle chose not to engage; nothing was stored.
	ResultDeclined ResultOutcome = "declined"
	// ResultDelivered means the message was pushed immediately.
	ResultDelivered ResultOutcome = "delivered"
	// ResultScheduled means an engagement is waiting for the scheduler.
	ResultScheduled ResultOutcome = "scheduled"
)

// Result reports the outcome of processing one decision.
type Result struct {
	Outcome      ResultOutcome `json:"outcome"`
	EngagementID string        `json:"engagementId,omitempty"`
}

// Coordinator routes decisions into deliveries: immediate pushes when the
// user is reachable, stored engagements otherwise.
type Coordinator struct {
	store       EngagementStore
	registry    Registry
	maxAttempts int
	userRate    rate.Limit
	userBurst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCoordinator creates a coordinator over the store and registry.
func NewCoordinator(store EngagementStore, registry Registry, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.UserRate <= 0 {
		cfg.UserRate = DefaultUserRate
	}
	if cfg.UserBurst <= 0 {
		cfg.UserBurst = DefaultUserBurst
	}
	return &Coordinator{
		store:       store,
		registry:    registry,
		maxAttempts: cfg.MaxAttempts,
		userRate:    cfg.UserRate,
		userBurst:   cfg.UserBurst,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// ProcessDecision acts on an oracle decision. Immediate decisions are
// pushed right away when possible and recorded as delivered; when the push
// cannot happen the engagement falls back to pending with its timing set
// to now, so the next tick retries. Delayed decisions are stored for the
// scheduler. Failure to push immediately is never an error to the caller.
func (c *Coordinator) ProcessDecision(ctx context.Context, target Target, d Decision) (*Result, error) {
	if !d.ShouldEngage {
		log.Debug().Str("user_id", target.UserID).Msg("oracle declined to engage")
		return &Result{Outcome: ResultDeclined}, nil
	}

	now := time.Now().UTC()

	switch d.Timing.Kind {
	case TimingImmediate:
		e, err := engagement.New(target.UserID, target.SessionID, target.PersonalityID,
			d.Content, engagement.TriggerOracleDecision, d.Confidence, now)
		if err != nil {
			return nil, err
		}

		sendErr := c.registry.Send(target.UserID, NewPushPayload(e))
		if sendErr == nil {
			if err := c.store.CreateDelivered(ctx, e); err != nil {
				return nil, err
			}
			log.Info().
				Str("engagement_id", e.ID).
				Str("user_id", target.UserID).
				Msg("delivered immediately")
			return &Result{Outcome: ResultDelivered, EngagementID: e.ID}, nil
		}

		log.Debug().
			Err(sendErr).
			Str("user_id", target.UserID).
			Msg("immediate push not possible, scheduling for next tick")

		if err := c.store.Create(ctx, e); err != nil {
			return nil, err
		}
		return &Result{Outcome: ResultScheduled, EngagementID: e.ID}, nil

	case TimingDelayed:
		e, err := engagement.New(target.UserID, target.SessionID, target.PersonalityID,
			d.Content, engagement.TriggerOracleDecision, d.Confidence, now.Add(d.Timing.Delay))
		if err != nil {
			return nil, err
		}

		if err := c.store.Create(ctx, e); err != nil {
			return nil, err
		}
		log.Debug().
			Str("engagement_id", e.ID).
			Str("user_id", target.UserID).
			Time("optimal_timing", e.OptimalTiming).
			Msg("engagement scheduled")
		return &Result{Outcome: ResultScheduled, EngagementID: e.ID}, nil

	default:
		return nil, fmt.Errorf("%w: unknown timing kind %q", engagement.ErrInvalid, d.Timing.Kind)
	}
}

// DeliverDue attempts delivery of one claimed engagement. An offline or
// throttled user releases the claim untouched; a true send failure counts
// toward the attempt cap. Send failures are absorbed here so the
// scheduler's per-item loop only sees persistence errors.
func (c *Coordinator) DeliverDue(ctx context.Context, e *engagement.Engagement) error {
	if !c.registry.IsConnected(e.UserID) {
		log.Debug().
			Str("engagement_id", e.ID).
			Str("user_id", e.UserID).
			Msg("user offline, releasing claim")
		return c.store.Release(ctx, e.ID)
	}

	if !c.allow(e.UserID) {
		log.Debug().
			Str("engagement_id", e.ID).
			Str("user_id", e.UserID).
			Msg("user push budget spent, releasing claim")
		return c.store.Release(ctx, e.ID)
	}

	if err := c.registry.Send(e.UserID, NewPushPayload(e)); err != nil {
		status, ferr := c.store.RecordFailure(ctx, e.ID, err.Error(), c.maxAttempts)
		if ferr != nil {
			return ferr
		}
		evt := log.Warn()
		if status == engagement.StatusFailed {
			evt = log.Error()
		}
		evt.
			Err(err).
			Str("engagement_id", e.ID).
			Str("user_id", e.UserID).
			Str("status", string(status)).
			Msg("push failed")
		return nil
	}

	if err := c.store.MarkDelivered(ctx, e.ID); err != nil {
		return err
	}

	log.Info().
		Str("engagement_id", e.ID).
		Str("user_id", e.UserID).
		Str("trigger", e.Trigger).
		Msg("engagement delivered")
	return nil
}

// allow consults the per-user push limiter, creating it on first use.
// TODO: prune limiters for users idle past a few hours; entries are small
// but the map only grows.
func (c *Coordinator) allow(userID string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(c.userRate, c.userBurst)
		c.limiters[userID] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}
