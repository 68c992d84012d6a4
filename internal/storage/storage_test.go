package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/testutil"
	"github.com/agentmart/agentmart/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newUser(t *testing.T, role model.UserRole) model.User {
	t.Helper()
	u, err := testDB.CreateUser(context.Background(), model.User{
		ID:    "user_" + uuid.NewString()[:8],
		Email: "someone@example.com",
		Name:  "Some One",
		Role:  role,
	})
	require.NoError(t, err)
	return u
}

func newAgent(t *testing.T, creatorID string, price model.Cents, published bool) model.Agent {
	t.Helper()
	a, err := testDB.CreateAgent(context.Background(), model.Agent{
		Name:        "agent " + uuid.NewString()[:8],
		Description: "does things",
		CreatorID:   creatorID,
		PricePerRun: price,
		Published:   published,
	})
	require.NoError(t, err)
	return a
}

func newPurchase(t *testing.T, agent model.Agent, userID string) model.Purchase {
	t.Helper()
	session := "cs_" + uuid.NewString()
	p, err := testDB.CreatePurchase(context.Background(), model.Purchase{
		AgentID:           agent.ID,
		UserID:            userID,
		Amount:            agent.PricePerRun,
		Currency:          "usd",
		CheckoutSessionID: &session,
	})
	require.NoError(t, err)
	return p
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
	require.NoError(t, testDB.Ping(context.Background()))
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	u := newUser(t, "")
	assert.Equal(t, model.RoleOrdinary, u.Role, "empty role defaults to ordinary")

	_, err := testDB.CreateUser(ctx, model.User{ID: u.ID})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := testDB.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	name := "Renamed"
	creator := model.RoleCreator
	updated, err := testDB.UpdateUser(ctx, u.ID, model.UserPatch{Name: &name, Role: &creator})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, model.RoleCreator, updated.Role)
	assert.Equal(t, u.Email, updated.Email, "nil patch fields are kept")

	_, err = testDB.UpdateUser(ctx, "user_missing", model.UserPatch{Name: &name})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := testDB.DeleteUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = testDB.DeleteUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = testDB.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAgentsAndRatings(t *testing.T) {
	ctx := context.Background()
	creator := newUser(t, model.RoleCreator)
	pub := newAgent(t, creator.ID, 999, true)
	draft := newAgent(t, creator.ID, 100, false)

	got, err := testDB.GetAgent(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cents(999), got.PricePerRun)
	assert.NotNil(t, got.Ratings)
	assert.Empty(t, got.Ratings)

	_, err = testDB.GetAgent(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	published, err := testDB.ListAgents(ctx, true)
	require.NoError(t, err)
	ids := agentIDs(published)
	assert.Contains(t, ids, pub.ID)
	assert.NotContains(t, ids, draft.ID)

	all, err := testDB.ListAgents(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, agentIDs(all), draft.ID)

	mine, err := testDB.ListAgentsByCreator(ctx, creator.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	require.NoError(t, testDB.UpsertRating(ctx, pub.ID, "user_a", 2))
	require.NoError(t, testDB.UpsertRating(ctx, pub.ID, "user_a", 5))
	require.NoError(t, testDB.UpsertRating(ctx, pub.ID, "user_b", 3))

	got, err = testDB.GetAgent(ctx, pub.ID)
	require.NoError(t, err)
	require.Len(t, got.Ratings, 2, "one rating per user")
	assert.InDelta(t, 4.0, got.AverageRating(), 0.001)

	err = testDB.UpsertRating(ctx, uuid.New(), "user_a", 3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func agentIDs(agents []model.Agent) []uuid.UUID {
	out := make([]uuid.UUID, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func TestCreatePurchase(t *testing.T) {
	ctx := context.Background()
	creator := newUser(t, model.RoleCreator)
	agent := newAgent(t, creator.ID, 999, true)

	p := newPurchase(t, agent, "user_buyer_"+uuid.NewString()[:8])
	assert.Equal(t, model.PurchasePending, p.Status)

	got, err := testDB.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "9.99", got.Amount.String())
	assert.Equal(t, "usd", got.Currency)
	assert.Nil(t, got.PaymentIntentID)

	_, err = testDB.CreatePurchase(ctx, model.Purchase{AgentID: uuid.New(), UserID: "u", Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, storage.ErrNotFound, "unknown agent")

	_, err = testDB.GetPurchase(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyPurchaseStatus(t *testing.T) {
	ctx := context.Background()
	creator := newUser(t, model.RoleCreator)
	agent := newAgent(t, creator.ID, 500, true)
	buyer := "user_buyer_" + uuid.NewString()[:8]

	t.Run("complete then redeliver", func(t *testing.T) {
		p := newPurchase(t, agent, buyer)

		outcome, got, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionApplied, outcome)
		assert.Equal(t, model.PurchaseCompleted, got.Status)

		// A later event fills in the intent id without a second run.
		outcome, got, err = testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseCompleted, "pi_late")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionUnchanged, outcome)
		require.NotNil(t, got.PaymentIntentID)
		assert.Equal(t, "pi_late", *got.PaymentIntentID)

		outcome, got, err = testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseFailed, "")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionIgnored, outcome)
		assert.Equal(t, model.PurchaseCompleted, got.Status)

		assert.Equal(t, 1, runsForPurchase(t, buyer, p.ID))
	})

	t.Run("failed stays failed", func(t *testing.T) {
		p := newPurchase(t, agent, buyer)

		outcome, _, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseFailed, "pi_fail")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionApplied, outcome)

		outcome, got, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseCompleted, "pi_fail")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionIgnored, outcome)
		assert.Equal(t, model.PurchaseFailed, got.Status)
		assert.Equal(t, 0, runsForPurchase(t, buyer, p.ID))
	})

	t.Run("unknown purchase", func(t *testing.T) {
		outcome, _, err := testDB.ApplyPurchaseStatus(ctx, uuid.New(), model.PurchaseCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionNotFound, outcome)
	})

	t.Run("pending target rejected", func(t *testing.T) {
		p := newPurchase(t, agent, buyer)
		_, _, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchasePending, "")
		assert.Error(t, err)
	})

	t.Run("concurrent completions create one run", func(t *testing.T) {
		p := newPurchase(t, agent, buyer)

		var wg sync.WaitGroup
		outcomes := make([]model.TransitionOutcome, 8)
		for i := range outcomes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o, _, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseCompleted, "pi_race")
				assert.NoError(t, err)
				outcomes[i] = o
			}()
		}
		wg.Wait()

		applied := 0
		for _, o := range outcomes {
			if o == model.TransitionApplied {
				applied++
			}
		}
		assert.Equal(t, 1, applied)
		assert.Equal(t, 1, runsForPurchase(t, buyer, p.ID))
	})
}

func runsForPurchase(t *testing.T, userID string, purchaseID uuid.UUID) int {
	t.Helper()
	runs, err := testDB.ListRunsByUser(context.Background(), userID)
	require.NoError(t, err)
	n := 0
	for _, r := range runs {
		if r.PurchaseID != nil && *r.PurchaseID == purchaseID {
			n++
		}
	}
	return n
}

func TestRunsAndStats(t *testing.T) {
	ctx := context.Background()
	creator := newUser(t, model.RoleCreator)
	a1 := newAgent(t, creator.ID, 999, true)
	a2 := newAgent(t, creator.ID, 250, true)
	buyer := "user_buyer_" + uuid.NewString()[:8]

	has, err := testDB.HasRun(ctx, buyer, a1.ID)
	require.NoError(t, err)
	assert.False(t, has)

	for _, a := range []model.Agent{a1, a1, a2} {
		p := newPurchase(t, a, buyer)
		_, _, err := testDB.ApplyPurchaseStatus(ctx, p.ID, model.PurchaseCompleted, "")
		require.NoError(t, err)
	}
	newPurchase(t, a2, buyer) // stays pending

	has, err = testDB.HasRun(ctx, buyer, a1.ID)
	require.NoError(t, err)
	assert.True(t, has)

	runs, err := testDB.ListRunsByUser(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, a2.ID, runs[0].Agent.ID, "newest first")
	assert.Equal(t, model.Cents(250), runs[0].Agent.PricePerRun)

	require.NoError(t, testDB.UpsertRating(ctx, a1.ID, buyer, 4))

	stats, err := testDB.CreatorStats(ctx, creator.ID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	byID := map[uuid.UUID]model.CreatorAgentStats{}
	for _, s := range stats {
		byID[s.AgentID] = s
	}
	assert.Equal(t, 2, byID[a1.ID].Purchases)
	assert.Equal(t, model.Cents(1998), byID[a1.ID].Earnings)
	assert.Equal(t, 1, byID[a1.ID].RatingCount)
	assert.InDelta(t, 4.0, byID[a1.ID].AverageRating, 0.001)
	assert.Equal(t, 1, byID[a2.ID].Purchases, "pending purchases are not counted")
	assert.Equal(t, model.Cents(250), byID[a2.ID].Earnings)
}

func TestWebhookLedger(t *testing.T) {
	ctx := context.Background()
	id := "evt_" + uuid.NewString()

	seen, err := testDB.WebhookProcessed(ctx, model.ProviderStripe, id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, testDB.MarkWebhookProcessed(ctx, model.ProviderStripe, id, "checkout.session.completed"))
	require.NoError(t, testDB.MarkWebhookProcessed(ctx, model.ProviderStripe, id, "checkout.session.completed"))

	seen, err = testDB.WebhookProcessed(ctx, model.ProviderStripe, id)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = testDB.WebhookProcessed(ctx, model.ProviderClerk, id)
	require.NoError(t, err)
	assert.False(t, seen, "ledger is keyed per provider")

	old := "evt_old_" + uuid.NewString()
	require.NoError(t, testDB.MarkWebhookProcessed(ctx, model.ProviderStripe, old, "payment_intent.succeeded"))
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE webhook_events SET processed_at = now() - interval '40 days' WHERE event_id = $1`, old)
	require.NoError(t, err)

	n, err := testDB.PruneWebhookEvents(ctx, 30)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	seen, err = testDB.WebhookProcessed(ctx, model.ProviderStripe, old)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = testDB.WebhookProcessed(ctx, model.ProviderStripe, id)
	require.NoError(t, err)
	assert.True(t, seen, "recent rows survive")
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-transient errors are not retried")
}
