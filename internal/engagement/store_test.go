package engagement

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore connects to the database named by TETHER_TEST_DATABASE_URL
// and resets the engagements table. Tests are skipped when the variable is
// unset so the suite passes without a local Postgres.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbURL := os.Getenv("TETHER_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TETHER_TEST_DATABASE_URL not set; skipping store integration tests")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	schema := `
		CREATE TABLE IF NOT EXISTS engagements (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			personality_id TEXT NOT NULL,
			content TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			optimal_timing TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			delivered_at TIMESTAMPTZ
		)
	`
	_, err = db.Exec(schema)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE TABLE engagements`)
	require.NoError(t, err)

	return NewStore(db)
}

func mustCreate(t *testing.T, store *Store, userID string, timing time.Time, content string) *Engagement {
	t.Helper()
	e, err := New(userID, "sess-1", "pers-1", content, TriggerOracleDecision, 0.7, timing)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func TestStoreCreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, store, "user-1", time.Now().Add(time.Hour), "checking in about the run")

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.DeliveredAt)
	assert.WithinDuration(t, e.OptimalTiming, got.OptimalTiming, time.Millisecond)

	_, err = store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateDelivered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e, err := New("user-1", "sess-1", "pers-1", "delivered right away", TriggerOracleDecision, 0.9, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateDelivered(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	// Terminal from birth: never claimable.
	claimed, err := store.ClaimDue(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStoreClaimDue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	late := mustCreate(t, store, "user-1", now.Add(-time.Minute), "second")
	early := mustCreate(t, store, "user-1", now.Add(-time.Hour), "first")
	mustCreate(t, store, "user-1", now.Add(time.Hour), "future")

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Ascending optimal timing, future row untouched.
	assert.Equal(t, early.ID, claimed[0].ID)
	assert.Equal(t, late.ID, claimed[1].ID)
	for _, e := range claimed {
		assert.Equal(t, StatusProcessing, e.Status)
	}

	// A second claim finds nothing left.
	again, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStoreClaimDueLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		mustCreate(t, store, "user-1", now.Add(-time.Duration(i+1)*time.Minute), fmt.Sprintf("msg %d", i))
	}

	claimed, err := store.ClaimDue(ctx, now, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	rest, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := store.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// Each due engagement must be handed to exactly one of N concurrent
// claimers, never two.
func TestStoreClaimDueConcurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const total = 40
	for i := 0; i < total; i++ {
		mustCreate(t, store, "user-1", now.Add(-time.Duration(i+1)*time.Second), fmt.Sprintf("msg %d", i))
	}

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimDue(ctx, now, total)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range claimed {
				seen[e.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total, "every due engagement should be claimed")
	for id, count := range seen {
		assert.Equal(t, 1, count, "engagement %s claimed %d times", id, count)
	}
}

func TestStoreMarkDelivered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "due now")

	// Not claimed yet: delivery is illegal straight from pending.
	err := store.MarkDelivered(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)

	claimed, err := store.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.MarkDelivered(ctx, e.ID))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	// Terminal: a second mark is refused.
	assert.ErrorIs(t, store.MarkDelivered(ctx, e.ID), ErrNotClaimed)
	assert.ErrorIs(t, store.MarkDelivered(ctx, "00000000-0000-0000-0000-000000000001"), ErrNotFound)
}

func TestStoreRecordFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()
	const maxAttempts = 3

	e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "flaky socket")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := store.ClaimDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d should find the row pending again", attempt)

		status, err := store.RecordFailure(ctx, e.ID, "write: broken pipe", maxAttempts)
		require.NoError(t, err)

		if attempt < maxAttempts {
			assert.Equal(t, StatusPending, status)
		} else {
			assert.Equal(t, StatusFailed, status)
		}
	}

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, maxAttempts, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "write: broken pipe", *got.LastError)

	// Failed rows never come back.
	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = store.RecordFailure(ctx, e.ID, "again", maxAttempts)
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestStoreRelease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "user offline")

	claimed, err := store.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Release(ctx, e.ID))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "a release is not a failure")

	assert.ErrorIs(t, store.Release(ctx, e.ID), ErrNotClaimed)
}

func TestStoreRequeueStale(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "stranded claim")

	claimed, err := store.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Fresh claims stay put.
	n, err := store.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Age the claim past the threshold, as if the process died mid-tick.
	_, err = store.db.Exec(`UPDATE engagements SET updated_at = now() - interval '10 minutes' WHERE id = $1`, e.ID)
	require.NoError(t, err)

	n, err = store.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreCancel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("pending is cancellable by owner", func(t *testing.T) {
		e := mustCreate(t, store, "user-1", now.Add(time.Hour), "change of plans")
		require.NoError(t, store.Cancel(ctx, e.ID, "user-1"))

		got, err := store.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	})

	t.Run("missing id", func(t *testing.T) {
		err := store.Cancel(ctx, "00000000-0000-0000-0000-000000000002", "user-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other user's engagement", func(t *testing.T) {
		e := mustCreate(t, store, "user-1", now.Add(time.Hour), "not yours")
		err := store.Cancel(ctx, e.ID, "user-2")
		assert.ErrorIs(t, err, ErrNotOwned)
	})

	t.Run("claimed row conflicts", func(t *testing.T) {
		e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "already claimed")
		claimed, err := store.ClaimDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		err = store.Cancel(ctx, e.ID, "user-1")
		assert.ErrorIs(t, err, ErrNotCancellable)
	})

	t.Run("delivered row conflicts", func(t *testing.T) {
		e := mustCreate(t, store, "user-1", now.Add(-time.Minute), "too late")
		_, err := store.ClaimDue(ctx, now, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkDelivered(ctx, e.ID))

		err = store.Cancel(ctx, e.ID, "user-1")
		assert.ErrorIs(t, err, ErrNotCancellable)
	})
}

func TestStoreListPending(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := mustCreate(t, store, "user-1", now.Add(3*time.Hour), "third")
	a := mustCreate(t, store, "user-1", now.Add(time.Hour), "first")
	b := mustCreate(t, store, "user-1", now.Add(2*time.Hour), "second")
	mustCreate(t, store, "user-2", now.Add(time.Hour), "someone else")

	cancelled := mustCreate(t, store, "user-1", now.Add(4*time.Hour), "cancelled")
	require.NoError(t, store.Cancel(ctx, cancelled.ID, "user-1"))

	pending, err := store.ListPending(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	none, err := store.ListPending(ctx, "user-3")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestStoreListHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := New("user-1", "sess-1", "pers-1", fmt.Sprintf("msg %d", i), TriggerUserScheduled, 0, now.Add(time.Hour))
		require.NoError(t, err)
		e.CreatedAt = now.Add(time.Duration(i) * time.Second).UTC()
		e.UpdatedAt = e.CreatedAt
		require.NoError(t, store.Create(ctx, e))
		ids = append(ids, e.ID)
	}

	history, err := store.ListHistory(ctx, "user-1", 50)
	require.NoError(t, err)
	require.Len(t, history, 5)
	// Newest first.
	for i, e := range history {
		assert.Equal(t, ids[len(ids)-1-i], e.ID)
	}

	clamped, err := store.ListHistory(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, clamped, 2)

	floor, err := store.ListHistory(ctx, "user-1", -5)
	require.NoError(t, err)
	assert.Len(t, floor, 1)
}
