package billing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v84"
	stripewebhook "github.com/stripe/stripe-go/v84/webhook"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/webhook"
)

// memStore is an in-memory Store with the same transition rules as Postgres.
type memStore struct {
	mu        sync.Mutex
	users     map[string]model.User
	agents    map[uuid.UUID]model.Agent
	purchases map[uuid.UUID]model.Purchase
	runs      map[uuid.UUID]int // purchase id -> runs created
	applyErr  error
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]model.User{},
		agents:    map[uuid.UUID]model.Agent{},
		purchases: map[uuid.UUID]model.Purchase{},
		runs:      map[uuid.UUID]int{},
	}
}

func (m *memStore) GetUser(_ context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (m *memStore) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (m *memStore) CreatePurchase(_ context.Context, p model.Purchase) (model.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.purchases[p.ID]; ok {
		return model.Purchase{}, storage.ErrDuplicate
	}
	m.purchases[p.ID] = p
	return p, nil
}

func (m *memStore) ApplyPurchaseStatus(_ context.Context, id uuid.UUID, target model.PurchaseStatus, intentID string) (model.TransitionOutcome, model.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return "", model.Purchase{}, m.applyErr
	}
	p, ok := m.purchases[id]
	if !ok {
		return model.TransitionNotFound, model.Purchase{}, nil
	}
	outcome := model.Transition(p.Status, target)
	switch outcome {
	case model.TransitionApplied:
		p.Status = target
		if intentID != "" {
			p.PaymentIntentID = &intentID
		}
	case model.TransitionUnchanged:
		if p.PaymentIntentID == nil && intentID != "" {
			p.PaymentIntentID = &intentID
		}
	default:
		return outcome, p, nil
	}
	m.purchases[id] = p
	if p.Status == model.PurchaseCompleted && m.runs[id] == 0 {
		m.runs[id] = 1
	}
	return outcome, p, nil
}

func (m *memStore) purchase(id uuid.UUID) model.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purchases[id]
}

type fakeProvider struct {
	mu   sync.Mutex
	reqs []CheckoutRequest
	err  error
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return CheckoutSession{}, f.err
	}
	id := fmt.Sprintf("cs_test_%d", len(f.reqs))
	return CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[model.TransitionOutcome]int
}

func (c *countingRecorder) PurchaseTransition(o model.TransitionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[model.TransitionOutcome]int{}
	}
	c.outcomes[o]++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T, m *memStore, price string) (model.User, model.Agent) {
	t.Helper()
	cents, err := model.ParseCents(price)
	require.NoError(t, err)
	u := model.User{ID: "user_1", Email: "ada@example.com", Name: "Ada", Role: model.RoleOrdinary}
	a := model.Agent{ID: uuid.New(), Name: "Summarizer", Description: "Summarizes text", CreatorID: "user_c", PricePerRun: cents, Published: true}
	m.users[u.ID] = u
	m.agents[a.ID] = a
	return u, a
}

func TestNormalizeCurrency(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"usd", "usd"},
		{"EUR", "eur"},
		{" gbp ", "gbp"},
		{"12x", "usd"},
		{"", "usd"},
		{"dollars", "usd"},
		{"us", "usd"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCurrency(tt.in, nil))
		})
	}
}

func TestNew_InvalidCurrencyFallsBackWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store := newMemStore()
	_, agent := seed(t, store, "9.99")
	provider := &fakeProvider{}
	svc := New(store, provider, Config{Currency: "12x"}, logger)

	assert.Equal(t, "usd", svc.Currency())
	assert.Contains(t, buf.String(), "invalid currency")
	assert.Contains(t, buf.String(), "12x")

	_, err := svc.Purchase(context.Background(), "user_1", agent.ID, "https://app.example.com")
	require.NoError(t, err, "a misconfigured currency must not fail a purchase")
	require.Len(t, provider.reqs, 1)
	assert.Equal(t, "usd", provider.reqs[0].Currency)
}

func TestPurchase_Disabled(t *testing.T) {
	svc := New(newMemStore(), nil, Config{}, testLogger())
	assert.False(t, svc.Enabled())
	_, err := svc.Purchase(context.Background(), "user_1", uuid.New(), "https://app.example.com")
	assert.ErrorIs(t, err, ErrBillingDisabled)
}

func TestPurchase_CreatesPendingPurchase(t *testing.T) {
	store := newMemStore()
	user, agent := seed(t, store, "9.99")
	provider := &fakeProvider{}
	svc := New(store, provider, Config{Currency: "USD"}, testLogger())

	co, err := svc.Purchase(context.Background(), user.ID, agent.ID, "https://app.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", co.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", co.URL)

	require.Len(t, provider.reqs, 1)
	req := provider.reqs[0]
	assert.Equal(t, co.PurchaseID, req.PurchaseID)
	assert.Equal(t, model.Cents(999), req.Amount)
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, "Summarizer", req.ProductName)
	assert.Equal(t, "ada@example.com", req.CustomerEmail)
	assert.Equal(t, "https://app.example.com/dashboard/runs/"+co.PurchaseID.String(), req.SuccessURL)
	assert.Equal(t, "https://app.example.com/", req.CancelURL)

	p := store.purchase(co.PurchaseID)
	assert.Equal(t, model.PurchasePending, p.Status)
	assert.Equal(t, model.Cents(999), p.Amount)
	assert.Equal(t, agent.ID, p.AgentID)
	assert.Equal(t, user.ID, p.UserID)
	require.NotNil(t, p.CheckoutSessionID)
	assert.Equal(t, "cs_test_1", *p.CheckoutSessionID)
	assert.Nil(t, p.PaymentIntentID)
}

func TestPurchase_FrontendURLFallback(t *testing.T) {
	store := newMemStore()
	user, agent := seed(t, store, "1.00")
	provider := &fakeProvider{}
	svc := New(store, provider, Config{FrontendURL: "https://front.example.com/"}, testLogger())

	_, err := svc.Purchase(context.Background(), user.ID, agent.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "https://front.example.com/", provider.reqs[0].CancelURL)

	noBase := New(store, provider, Config{}, testLogger())
	_, err = noBase.Purchase(context.Background(), user.ID, agent.ID, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestPurchase_NotFound(t *testing.T) {
	store := newMemStore()
	user, agent := seed(t, store, "1.00")
	provider := &fakeProvider{}
	svc := New(store, provider, Config{}, testLogger())

	_, err := svc.Purchase(context.Background(), user.ID, uuid.New(), "https://a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Purchase(context.Background(), "ghost", agent.ID, "https://a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Empty(t, provider.reqs, "no session is created for unknown users or agents")
}

func TestPurchase_UpstreamFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	user, agent := seed(t, store, "1.00")
	provider := &fakeProvider{err: errors.New("stripe down")}
	svc := New(store, provider, Config{}, testLogger())

	_, err := svc.Purchase(context.Background(), user.ID, agent.ID, "https://a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, store.purchases)
}

func paymentEvent(id, typ, object string) webhook.Event {
	return webhook.Event{Provider: model.ProviderStripe, ID: id, Type: typ, Data: []byte(object)}
}

func pendingPurchase(store *memStore) uuid.UUID {
	id := uuid.New()
	store.purchases[id] = model.Purchase{ID: id, AgentID: uuid.New(), UserID: "user_1", Amount: 500, Currency: "usd", Status: model.PurchasePending}
	return id
}

func TestPaymentSyncer_Idempotent(t *testing.T) {
	store := newMemStore()
	id := pendingPurchase(store)
	rec := &countingRecorder{}
	ps := NewPaymentSyncer(store, rec, testLogger())

	ev := paymentEvent("evt_1", model.EventCheckoutSessionCompleted,
		fmt.Sprintf(`{"id":"cs_1","payment_intent":"pi_1","metadata":{"purchaseId":%q}}`, id))
	require.NoError(t, ps.Handle(context.Background(), ev))
	first := store.purchase(id)
	require.NoError(t, ps.Handle(context.Background(), ev))
	second := store.purchase(id)

	assert.Equal(t, first, second)
	assert.Equal(t, model.PurchaseCompleted, second.Status)
	assert.Equal(t, 1, store.runs[id])
	assert.Equal(t, 1, rec.outcomes[model.TransitionApplied])
	assert.Equal(t, 1, rec.outcomes[model.TransitionUnchanged])
}

func TestPaymentSyncer_Monotonic(t *testing.T) {
	store := newMemStore()
	id := pendingPurchase(store)
	ps := NewPaymentSyncer(store, nil, testLogger())

	succeeded := paymentEvent("evt_1", model.EventPaymentIntentSucceeded,
		fmt.Sprintf(`{"id":"pi_1","metadata":{"purchaseId":%q}}`, id))
	failed := paymentEvent("evt_2", model.EventPaymentIntentFailed,
		fmt.Sprintf(`{"id":"pi_1","metadata":{"purchaseId":%q}}`, id))

	require.NoError(t, ps.Handle(context.Background(), succeeded))
	require.NoError(t, ps.Handle(context.Background(), failed))
	assert.Equal(t, model.PurchaseCompleted, store.purchase(id).Status)

	other := pendingPurchase(store)
	failedOther := paymentEvent("evt_3", model.EventPaymentIntentFailed,
		fmt.Sprintf(`{"id":"pi_2","metadata":{"purchaseId":%q}}`, other))
	succeededOther := paymentEvent("evt_4", model.EventCheckoutSessionCompleted,
		fmt.Sprintf(`{"id":"cs_2","payment_intent":"pi_2","metadata":{"purchaseId":%q}}`, other))
	require.NoError(t, ps.Handle(context.Background(), failedOther))
	require.NoError(t, ps.Handle(context.Background(), succeededOther))
	assert.Equal(t, model.PurchaseFailed, store.purchase(other).Status)
	assert.Zero(t, store.runs[other])
}

func TestPaymentSyncer_MissingCorrelation(t *testing.T) {
	store := newMemStore()
	id := pendingPurchase(store)
	before := store.purchase(id)
	ps := NewPaymentSyncer(store, nil, testLogger())

	for name, obj := range map[string]string{
		"no metadata":   `{"id":"cs_1","payment_intent":"pi_1"}`,
		"empty id":      `{"id":"cs_1","metadata":{"purchaseId":""}}`,
		"not a uuid":    `{"id":"cs_1","metadata":{"purchaseId":"abc"}}`,
		"unknown uuid":  fmt.Sprintf(`{"id":"cs_1","metadata":{"purchaseId":%q}}`, uuid.New()),
		"other key set": `{"id":"cs_1","metadata":{"orderId":"x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := ps.Handle(context.Background(), paymentEvent("evt_x", model.EventCheckoutSessionCompleted, obj))
			assert.NoError(t, err)
		})
	}
	assert.Equal(t, before, store.purchase(id))
}

func TestPaymentSyncer_StorageErrorIsReturned(t *testing.T) {
	store := newMemStore()
	id := pendingPurchase(store)
	store.applyErr = errors.New("connection reset")
	ps := NewPaymentSyncer(store, nil, testLogger())

	err := ps.Handle(context.Background(), paymentEvent("evt_1", model.EventPaymentIntentSucceeded,
		fmt.Sprintf(`{"id":"pi_1","metadata":{"purchaseId":%q}}`, id)))
	assert.Error(t, err)
}

func TestPaymentSyncer_Malformed(t *testing.T) {
	ps := NewPaymentSyncer(newMemStore(), nil, testLogger())
	err := ps.Handle(context.Background(), paymentEvent("evt_1", model.EventCheckoutSessionCompleted, `{"metadata":{}}`))
	assert.ErrorIs(t, err, webhook.ErrMalformedEvent)
}

func TestPaymentSyncer_Register(t *testing.T) {
	r := webhook.NewRouter(testLogger())
	NewPaymentSyncer(newMemStore(), nil, testLogger()).Register(r)
	assert.True(t, r.Handles(model.EventCheckoutSessionCompleted))
	assert.True(t, r.Handles(model.EventPaymentIntentFailed))
	assert.False(t, r.Handles("invoice.paid"))
}

const testWebhookSecret = "whsec_test_billing"

func signedStripeEvent(t *testing.T, id, typ, object string) ([]byte, http.Header) {
	t.Helper()
	body := fmt.Appendf(nil,
		`{"id":%q,"object":"event","api_version":"2020-08-27","type":%q,"data":{"object":%s}}`,
		id, typ, object)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(webhook.StripeSignatureHeader, signed.Header)
	return body, h
}

// Purchase at 9.99, then deliver a signed checkout.session.completed.
func TestPurchaseToCompletion(t *testing.T) {
	store := newMemStore()
	user, agent := seed(t, store, "9.99")
	provider := &fakeProvider{}
	svc := New(store, provider, Config{Currency: "usd"}, testLogger())

	co, err := svc.Purchase(context.Background(), user.ID, agent.ID, "https://app.example.com")
	require.NoError(t, err)
	assert.Equal(t, model.Cents(999), provider.reqs[0].Amount)

	router := webhook.NewRouter(testLogger())
	NewPaymentSyncer(store, nil, testLogger()).Register(router)

	body, header := signedStripeEvent(t, "evt_1", model.EventCheckoutSessionCompleted,
		fmt.Sprintf(`{"id":%q,"object":"checkout.session","payment_intent":"pi_123","metadata":{"purchaseId":%q}}`,
			co.SessionID, co.PurchaseID))
	ev, err := webhook.NewStripeVerifier(testWebhookSecret).Verify(body, header)
	require.NoError(t, err)

	result, err := router.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.ResultHandled, result)

	p := store.purchase(co.PurchaseID)
	assert.Equal(t, model.PurchaseCompleted, p.Status)
	require.NotNil(t, p.PaymentIntentID)
	assert.Equal(t, "pi_123", *p.PaymentIntentID)
	assert.Equal(t, "9.99", p.Amount.String())
	assert.Equal(t, 1, store.runs[co.PurchaseID])
}

// A declined card fails the session's intent, then the customer pays in the
// same session. Intents carry no purchase id, so only the session settles it.
func TestPaymentSyncer_DeclineThenPaidInSameSession(t *testing.T) {
	store := newMemStore()
	id := pendingPurchase(store)
	rec := &countingRecorder{}
	ps := NewPaymentSyncer(store, rec, testLogger())

	declined := paymentEvent("evt_1", model.EventPaymentIntentFailed,
		`{"id":"pi_1","object":"payment_intent","metadata":{}}`)
	require.NoError(t, ps.Handle(context.Background(), declined))
	assert.Equal(t, model.PurchasePending, store.purchase(id).Status)

	paid := paymentEvent("evt_2", model.EventCheckoutSessionCompleted,
		fmt.Sprintf(`{"id":"cs_1","payment_intent":"pi_1","payment_status":"paid","metadata":{"purchaseId":%q}}`, id))
	require.NoError(t, ps.Handle(context.Background(), paid))

	p := store.purchase(id)
	assert.Equal(t, model.PurchaseCompleted, p.Status)
	require.NotNil(t, p.PaymentIntentID)
	assert.Equal(t, "pi_1", *p.PaymentIntentID)
	assert.Equal(t, 1, store.runs[id])
	assert.Equal(t, 1, rec.outcomes[model.TransitionApplied])
}

func TestPaymentSyncer_UnpaidCompletionWaitsForAsyncResult(t *testing.T) {
	session := func(id uuid.UUID, status string) string {
		return fmt.Sprintf(`{"id":"cs_1","payment_intent":"pi_1","payment_status":%q,"metadata":{"purchaseId":%q}}`, status, id)
	}

	t.Run("async failure", func(t *testing.T) {
		store := newMemStore()
		ps := NewPaymentSyncer(store, nil, testLogger())
		id := pendingPurchase(store)

		require.NoError(t, ps.Handle(context.Background(),
			paymentEvent("evt_1", model.EventCheckoutSessionCompleted, session(id, "unpaid"))))
		assert.Equal(t, model.PurchasePending, store.purchase(id).Status)
		assert.Zero(t, store.runs[id])

		require.NoError(t, ps.Handle(context.Background(),
			paymentEvent("evt_2", model.EventCheckoutSessionAsyncPaymentFailed, session(id, "unpaid"))))
		assert.Equal(t, model.PurchaseFailed, store.purchase(id).Status)
		assert.Zero(t, store.runs[id])
	})

	t.Run("async success", func(t *testing.T) {
		store := newMemStore()
		ps := NewPaymentSyncer(store, nil, testLogger())
		id := pendingPurchase(store)

		require.NoError(t, ps.Handle(context.Background(),
			paymentEvent("evt_1", model.EventCheckoutSessionCompleted, session(id, "unpaid"))))
		require.NoError(t, ps.Handle(context.Background(),
			paymentEvent("evt_2", model.EventCheckoutSessionAsyncPaymentOK, session(id, "paid"))))
		assert.Equal(t, model.PurchaseCompleted, store.purchase(id).Status)
		assert.Equal(t, 1, store.runs[id])
	})

	t.Run("nothing to pay", func(t *testing.T) {
		store := newMemStore()
		ps := NewPaymentSyncer(store, nil, testLogger())
		id := pendingPurchase(store)

		require.NoError(t, ps.Handle(context.Background(),
			paymentEvent("evt_1", model.EventCheckoutSessionCompleted, session(id, "no_payment_required"))))
		assert.Equal(t, model.PurchaseCompleted, store.purchase(id).Status)
	})
}

func TestStripeCheckout_PurchaseIDOnSessionOnly(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_42","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_42"}`))
	}))
	defer srv.Close()

	provider := NewStripeCheckout("sk_test_123", stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})))

	purchaseID := uuid.New()
	sess, err := provider.CreateCheckout(context.Background(), CheckoutRequest{
		PurchaseID:  purchaseID,
		ProductName: "Summarizer",
		Amount:      999,
		Currency:    "usd",
		SuccessURL:  "https://app.example.com/dashboard/runs/" + purchaseID.String(),
		CancelURL:   "https://app.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_42", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_42", sess.URL)

	require.NotNil(t, form)
	assert.Equal(t, purchaseID.String(), form.Get("metadata["+webhook.PurchaseMetadataKey+"]"))
	assert.Equal(t, "999", form.Get("line_items[0][price_data][unit_amount]"))
	for key := range form {
		assert.False(t, strings.HasPrefix(key, "payment_intent_data[metadata]"), "unexpected intent metadata %s", key)
	}
}
