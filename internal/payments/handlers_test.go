package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"box-office/internal/config"
	"box-office/internal/jobs"
	"box-office/internal/models"
	"box-office/internal/store"
)

type fakeOrder struct {
	status    string
	releases  int
	createdAt time.Time
}

// fakeRepo mirrors the store's transition gating: an order only leaves
// pending once, and seats are released exactly when that gate fires.
type fakeRepo struct {
	mu       sync.Mutex
	payments map[string]*models.Payment // keyed by payment id
	byProv   map[string]string          // provider id -> payment id
	orders   map[string]*fakeOrder
	purged   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		payments: make(map[string]*models.Payment),
		byProv:   make(map[string]string),
		orders:   make(map[string]*fakeOrder),
	}
}

func (f *fakeRepo) addOrder(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &fakeOrder{status: models.OrderPending, createdAt: time.Now()}
}

func (f *fakeRepo) InsertPayment(_ context.Context, p models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.payments[p.ID] = &cp
	f.byProv[p.ProviderID] = p.ID
	return nil
}

func (f *fakeRepo) PaymentByProviderID(_ context.Context, providerID string) (models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byProv[providerID]
	if !ok {
		return models.Payment{}, store.ErrNotFound
	}
	return *f.payments[id], nil
}

func (f *fakeRepo) OpenPaymentForOrder(_ context.Context, orderID string) (models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.OrderID == orderID && !models.TerminalPayment(p.Status) {
			return *p, nil
		}
	}
	return models.Payment{}, store.ErrNotFound
}

func (f *fakeRepo) ApplyPaymentStatus(_ context.Context, paymentID, paymentStatus string, method *string, orderID, orderStatus string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[paymentID]; ok {
		p.Status = paymentStatus
		if method != nil {
			p.PaymentMethod = method
		}
	}

	order, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	switch orderStatus {
	case models.OrderPaid:
		if order.status == models.OrderPending {
			order.status = models.OrderPaid
			return true, nil
		}
	case models.OrderFailed, models.OrderCancelled:
		if order.status == models.OrderPending {
			order.status = orderStatus
			order.releases++
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) ExpireStaleOrders(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, order := range f.orders {
		if order.status == models.OrderPending && order.createdAt.Before(cutoff) {
			order.status = models.OrderCancelled
			order.releases++
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) PurgeJobsOlderThan(_ context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return 1, nil
}

func mockRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func creationJob(t *testing.T, p CreationPayload) models.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: "job-1", Type: models.TypePaymentCreation, Payload: raw, MaxAttempts: 5}
}

func webhookJob(t *testing.T, providerID string) models.Job {
	t.Helper()
	raw, err := json.Marshal(WebhookPayload{PaymentID: providerID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: "job-2", Type: models.TypePaymentWebhook, Payload: raw, MaxAttempts: 5}
}

func TestPaymentCreationMockMode(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.addOrder("order-1")
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	h := NewHandlers(config.Config{MockPayments: true}, repo,
		map[string]Provider{models.ProviderMock: mock}, zap.NewNop())

	job := creationJob(t, CreationPayload{OrderID: "order-1", Amount: 6000, CustomerEmail: "a@b.nl"})
	if err := h.HandlePaymentCreation(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(repo.payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(repo.payments))
	}
	for _, p := range repo.payments {
		if p.Provider != models.ProviderMock {
			t.Fatalf("provider = %s, want mock", p.Provider)
		}
		if p.Status != models.PaymentPending {
			t.Fatalf("status = %s, want pending", p.Status)
		}
		if !strings.HasPrefix(p.ProviderID, "mock_") {
			t.Fatalf("provider id = %s, want mock_ prefix", p.ProviderID)
		}
		if !strings.Contains(p.CheckoutURL, "/checkout/mock/") {
			t.Fatalf("checkout url = %s", p.CheckoutURL)
		}
	}

	// Re-delivery of the same job must not open a second payment.
	if err := h.HandlePaymentCreation(ctx, job); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(repo.payments) != 1 {
		t.Fatalf("payments after re-delivery = %d, want 1", len(repo.payments))
	}
}

func TestPaymentCreationMissingAPIKey(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder("order-1")
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMollie: NewMollieClient("", "https://api.mollie.test/v2")}, zap.NewNop())

	err := h.HandlePaymentCreation(context.Background(), creationJob(t, CreationPayload{OrderID: "order-1", Amount: 6000}))
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if !jobs.IsPermanent(err) {
		t.Fatalf("missing api key must be permanent, got %v", err)
	}
	if len(repo.payments) != 0 {
		t.Fatal("no payment row may be created on failure")
	}
}

func TestPaymentCreationProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	repo.addOrder("order-1")
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMollie: NewMollieClient("test_key", srv.URL)}, zap.NewNop())

	err := h.HandlePaymentCreation(context.Background(), creationJob(t, CreationPayload{OrderID: "order-1", Amount: 6000}))
	if err == nil {
		t.Fatal("expected error when provider is down")
	}
	if jobs.IsPermanent(err) {
		t.Fatalf("provider outage must be retryable, got %v", err)
	}
}

func TestPaymentCreationBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	repo.addOrder("order-1")
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMollie: NewMollieClient("bad_key", srv.URL)}, zap.NewNop())

	err := h.HandlePaymentCreation(context.Background(), creationJob(t, CreationPayload{OrderID: "order-1", Amount: 6000}))
	if !jobs.IsPermanent(err) {
		t.Fatalf("rejected credentials must be permanent, got %v", err)
	}
}

func TestPaymentCreationMalformedPayload(t *testing.T) {
	h := NewHandlers(config.Config{}, newFakeRepo(), nil, zap.NewNop())
	err := h.HandlePaymentCreation(context.Background(),
		models.Job{Payload: json.RawMessage(`{"order_id":"","amount":0}`)})
	if !jobs.IsPermanent(err) {
		t.Fatalf("invalid payload must be permanent, got %v", err)
	}
}

// seedMockPayment creates a mock payment and its pending local rows.
func seedMockPayment(t *testing.T, repo *fakeRepo, mock *MockProvider, orderID string) string {
	t.Helper()
	repo.addOrder(orderID)
	created, err := mock.CreatePayment(context.Background(), CreatePaymentRequest{Amount: 6000, Currency: "EUR"})
	if err != nil {
		t.Fatalf("mock create: %v", err)
	}
	if err := repo.InsertPayment(context.Background(), models.Payment{
		ID:         "pay-" + orderID,
		OrderID:    orderID,
		Provider:   models.ProviderMock,
		ProviderID: created.ID,
		Status:     models.PaymentPending,
	}); err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	return created.ID
}

func TestWebhookPaidSettlesOrder(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMock: mock}, zap.NewNop())

	provID := seedMockPayment(t, repo, mock, "order-1")
	if err := mock.SetStatus(ctx, provID, StatusPaid); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := h.HandlePaymentWebhook(ctx, webhookJob(t, provID)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	p, _ := repo.PaymentByProviderID(ctx, provID)
	if p.Status != models.PaymentSucceeded {
		t.Fatalf("payment status = %s, want succeeded", p.Status)
	}
	if p.PaymentMethod == nil || *p.PaymentMethod != "ideal" {
		t.Fatalf("payment method not captured: %v", p.PaymentMethod)
	}
	if repo.orders["order-1"].status != models.OrderPaid {
		t.Fatalf("order status = %s, want paid", repo.orders["order-1"].status)
	}
	if repo.orders["order-1"].releases != 0 {
		t.Fatal("paid order must not release seats")
	}
}

func TestWebhookFailedReleasesSeatsOnce(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMock: mock}, zap.NewNop())

	provID := seedMockPayment(t, repo, mock, "order-1")
	if err := mock.SetStatus(ctx, provID, StatusFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := h.HandlePaymentWebhook(ctx, webhookJob(t, provID)); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	// Duplicate delivery: same terminal status, must be a pure no-op.
	if err := h.HandlePaymentWebhook(ctx, webhookJob(t, provID)); err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}

	p, _ := repo.PaymentByProviderID(ctx, provID)
	if p.Status != models.PaymentFailed {
		t.Fatalf("payment status = %s, want failed", p.Status)
	}
	order := repo.orders["order-1"]
	if order.status != models.OrderFailed {
		t.Fatalf("order status = %s, want failed", order.status)
	}
	if order.releases != 1 {
		t.Fatalf("seat releases = %d, want exactly 1", order.releases)
	}
}

// A provider can report failure long after the orphaned-order sweep already
// cancelled the order. The failure must still land on the payment row, the
// seats must not be released a second time, and the job must not retry.
func TestWebhookFailedAfterOrderExpired(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	h := NewHandlers(config.Config{OrderExpiry: 24 * time.Hour}, repo,
		map[string]Provider{models.ProviderMock: mock}, zap.NewNop())

	provID := seedMockPayment(t, repo, mock, "order-1")
	repo.mu.Lock()
	repo.orders["order-1"].createdAt = time.Now().Add(-48 * time.Hour)
	repo.mu.Unlock()
	if err := h.HandleOrphanedOrderCleanup(ctx, models.Job{}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if err := mock.SetStatus(ctx, provID, StatusFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := h.HandlePaymentWebhook(ctx, webhookJob(t, provID)); err != nil {
		t.Fatalf("late webhook must succeed, got %v", err)
	}

	p, _ := repo.PaymentByProviderID(ctx, provID)
	if p.Status != models.PaymentFailed {
		t.Fatalf("payment status = %s, want failed", p.Status)
	}
	order := repo.orders["order-1"]
	if order.status != models.OrderCancelled {
		t.Fatalf("order status = %s, want cancelled", order.status)
	}
	if order.releases != 1 {
		t.Fatalf("seat releases = %d, want exactly 1", order.releases)
	}
}

// Money arriving for an order that already got cancelled cannot un-cancel it;
// the payment is recorded as succeeded and the anomaly is logged for a refund.
func TestWebhookPaidAfterOrderCancelled(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	core, logged := observer.New(zapcore.WarnLevel)
	h := NewHandlers(config.Config{}, repo,
		map[string]Provider{models.ProviderMock: mock}, zap.New(core))

	provID := seedMockPayment(t, repo, mock, "order-1")
	repo.mu.Lock()
	repo.orders["order-1"].status = models.OrderCancelled
	repo.orders["order-1"].releases = 1
	repo.mu.Unlock()

	if err := mock.SetStatus(ctx, provID, StatusPaid); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := h.HandlePaymentWebhook(ctx, webhookJob(t, provID)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	p, _ := repo.PaymentByProviderID(ctx, provID)
	if p.Status != models.PaymentSucceeded {
		t.Fatalf("payment status = %s, want succeeded", p.Status)
	}
	if repo.orders["order-1"].status != models.OrderCancelled {
		t.Fatalf("order status = %s, cancelled must stick", repo.orders["order-1"].status)
	}
	if logged.FilterMessage("payment succeeded for already-settled order").Len() != 1 {
		t.Fatal("expected a warning about the settled order receiving money")
	}
}

func TestWebhookUnknownPaymentIsPermanent(t *testing.T) {
	repo := newFakeRepo()
	h := NewHandlers(config.Config{}, repo, nil, zap.NewNop())

	err := h.HandlePaymentWebhook(context.Background(), webhookJob(t, "tr_unknown"))
	if !jobs.IsPermanent(err) {
		t.Fatalf("unknown payment must be permanent, got %v", err)
	}
}

func TestOrphanedOrderCleanup(t *testing.T) {
	repo := newFakeRepo()
	repo.addOrder("fresh")
	repo.addOrder("stale")
	repo.mu.Lock()
	repo.orders["stale"].createdAt = time.Now().Add(-48 * time.Hour)
	repo.mu.Unlock()

	h := NewHandlers(config.Config{OrderExpiry: 24 * time.Hour}, repo, nil, zap.NewNop())
	if err := h.HandleOrphanedOrderCleanup(context.Background(), models.Job{}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if repo.orders["stale"].status != models.OrderCancelled {
		t.Fatalf("stale order status = %s, want cancelled", repo.orders["stale"].status)
	}
	if repo.orders["stale"].releases != 1 {
		t.Fatalf("stale order releases = %d, want 1", repo.orders["stale"].releases)
	}
	if repo.orders["fresh"].status != models.OrderPending {
		t.Fatalf("fresh order status = %s, want pending", repo.orders["fresh"].status)
	}
}

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		provider string
		payment  string
		order    string
	}{
		{StatusPaid, models.PaymentSucceeded, models.OrderPaid},
		{StatusFailed, models.PaymentFailed, models.OrderFailed},
		{StatusExpired, models.PaymentFailed, models.OrderFailed},
		{StatusCanceled, models.PaymentCancelled, models.OrderCancelled},
		{StatusPending, models.PaymentProcessing, models.OrderPending},
		{StatusOpen, models.PaymentProcessing, models.OrderPending},
	}
	for _, tc := range cases {
		payment, order, err := mapProviderStatus(tc.provider)
		if err != nil {
			t.Fatalf("%s: %v", tc.provider, err)
		}
		if payment != tc.payment || order != tc.order {
			t.Fatalf("%s -> (%s, %s), want (%s, %s)", tc.provider, payment, order, tc.payment, tc.order)
		}
	}
	if _, _, err := mapProviderStatus("bogus"); err == nil {
		t.Fatal("unknown status must error")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		6000:  "60.00",
		105:   "1.05",
		99:    "0.99",
		12345: "123.45",
	}
	for cents, want := range cases {
		if got := formatAmount(cents); got != want {
			t.Fatalf("formatAmount(%d) = %s, want %s", cents, got, want)
		}
	}
}

func TestMockProviderUnknownPayment(t *testing.T) {
	mock := NewMockProvider(mockRedis(t), "http://localhost:8080")
	_, err := mock.GetPayment(context.Background(), "mock_missing")
	if !jobs.IsPermanent(err) {
		t.Fatalf("unknown mock payment must be permanent, got %v", err)
	}
}
