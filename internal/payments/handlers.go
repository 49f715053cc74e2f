package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"box-office/internal/config"
	"box-office/internal/jobs"
	"box-office/internal/models"
	"box-office/internal/store"
)

// Repository is the persistence surface the payment handlers need.
// *store.Store satisfies it.
type Repository interface {
	InsertPayment(ctx context.Context, p models.Payment) error
	PaymentByProviderID(ctx context.Context, providerID string) (models.Payment, error)
	OpenPaymentForOrder(ctx context.Context, orderID string) (models.Payment, error)
	ApplyPaymentStatus(ctx context.Context, paymentID, paymentStatus string, method *string, orderID, orderStatus string) (bool, error)
	ExpireStaleOrders(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeJobsOlderThan(ctx context.Context, days int) (int64, error)
}

// CreationPayload is the payment_creation job payload.
type CreationPayload struct {
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	Description   string `json:"description"`
	RedirectURL   string `json:"redirect_url"`
	WebhookURL    string `json:"webhook_url"`
}

// WebhookPayload is the payment_webhook job payload. PaymentID is the
// provider's transaction id.
type WebhookPayload struct {
	PaymentID string `json:"payment_id"`
}

// Handlers owns the payment-related job handlers.
type Handlers struct {
	cfg       config.Config
	repo      Repository
	providers map[string]Provider
	log       *zap.Logger
}

// NewHandlers wires the handlers. providers maps models.ProviderMollie /
// models.ProviderMock to their clients.
func NewHandlers(cfg config.Config, repo Repository, providers map[string]Provider, log *zap.Logger) *Handlers {
	return &Handlers{cfg: cfg, repo: repo, providers: providers, log: log}
}

// Register binds every payment handler to its job type.
func (h *Handlers) Register(d *jobs.Dispatcher) {
	d.RegisterHandler(models.TypePaymentCreation, h.HandlePaymentCreation)
	d.RegisterHandler(models.TypePaymentWebhook, h.HandlePaymentWebhook)
	d.RegisterHandler(models.TypeOrphanedOrderCleanup, h.HandleOrphanedOrderCleanup)
	d.RegisterHandler(models.TypeCleanupOldJobs, h.HandleCleanupOldJobs)
}

func (h *Handlers) providerFor(name string) (Provider, error) {
	p, ok := h.providers[name]
	if !ok {
		return nil, jobs.Permanent(fmt.Errorf("no provider configured for %q", name))
	}
	return p, nil
}

// HandlePaymentCreation opens a checkout with the provider and records the
// payment row. Re-delivery is a no-op while the order already has an open
// payment.
func (h *Handlers) HandlePaymentCreation(ctx context.Context, job models.Job) error {
	var p CreationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decode payment_creation payload: %w", err))
	}
	if p.OrderID == "" || p.Amount <= 0 {
		return jobs.Permanent(fmt.Errorf("invalid payment_creation payload: order_id=%q amount=%d", p.OrderID, p.Amount))
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}

	if existing, err := h.repo.OpenPaymentForOrder(ctx, p.OrderID); err == nil {
		h.log.Info("payment already open for order",
			zap.String("order_id", p.OrderID), zap.String("payment_id", existing.ID))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check open payment: %w", err)
	}

	providerName := models.ProviderMollie
	if h.cfg.MockPayments {
		providerName = models.ProviderMock
	}
	provider, err := h.providerFor(providerName)
	if err != nil {
		return err
	}

	created, err := provider.CreatePayment(ctx, CreatePaymentRequest{
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: p.Description,
		RedirectURL: p.RedirectURL,
		WebhookURL:  p.WebhookURL,
	})
	if err != nil {
		return err
	}

	payment := models.Payment{
		ID:          uuid.New().String(),
		OrderID:     p.OrderID,
		Provider:    providerName,
		ProviderID:  created.ID,
		CheckoutURL: created.CheckoutURL,
		Status:      models.PaymentPending,
	}
	if err := h.repo.InsertPayment(ctx, payment); err != nil {
		return fmt.Errorf("persist payment: %w", err)
	}

	h.log.Info("payment created",
		zap.String("order_id", p.OrderID),
		zap.String("payment_id", payment.ID),
		zap.String("provider", providerName),
		zap.String("provider_id", created.ID))
	return nil
}

// HandlePaymentWebhook reconciles the provider's authoritative status into the
// local payment and order. Re-delivery of an already-applied status writes
// nothing, so duplicate webhooks and out-of-order stale ones are safe.
func (h *Handlers) HandlePaymentWebhook(ctx context.Context, job models.Job) error {
	var p WebhookPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decode payment_webhook payload: %w", err))
	}
	if p.PaymentID == "" {
		return jobs.Permanent(errors.New("payment_webhook payload missing payment_id"))
	}

	payment, err := h.repo.PaymentByProviderID(ctx, p.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		// Stale or foreign notification; nothing local to reconcile against.
		return jobs.Permanent(fmt.Errorf("no local payment for provider id %q", p.PaymentID))
	}
	if err != nil {
		return fmt.Errorf("lookup payment: %w", err)
	}

	provider, err := h.providerFor(payment.Provider)
	if err != nil {
		return err
	}
	remote, err := provider.GetPayment(ctx, p.PaymentID)
	if err != nil {
		return err
	}

	paymentStatus, orderStatus, err := mapProviderStatus(remote.Status)
	if err != nil {
		return jobs.Permanent(err)
	}

	if paymentStatus == payment.Status {
		h.log.Debug("webhook status unchanged, nothing to do",
			zap.String("payment_id", payment.ID), zap.String("status", paymentStatus))
		return nil
	}

	orderChanged, err := h.repo.ApplyPaymentStatus(ctx, payment.ID, paymentStatus, remote.Method, payment.OrderID, orderStatus)
	if err != nil {
		return fmt.Errorf("apply payment status: %w", err)
	}
	if !orderChanged && orderStatus == models.OrderPaid {
		// The money arrived but the order had already been settled, most
		// likely expired before the webhook got through. Needs a refund.
		h.log.Warn("payment succeeded for already-settled order",
			zap.String("payment_id", payment.ID),
			zap.String("order_id", payment.OrderID))
	}

	h.log.Info("payment reconciled",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.String("payment_status", paymentStatus),
		zap.String("order_status", orderStatus))
	return nil
}

// HandleOrphanedOrderCleanup cancels pending orders that outlived the expiry
// window without a successful payment, releasing their seats.
func (h *Handlers) HandleOrphanedOrderCleanup(ctx context.Context, _ models.Job) error {
	cancelled, err := h.repo.ExpireStaleOrders(ctx, h.cfg.OrderExpiry)
	if err != nil {
		return fmt.Errorf("expire stale orders: %w", err)
	}
	if cancelled > 0 {
		h.log.Info("expired orphaned orders", zap.Int64("count", cancelled))
	}
	return nil
}

// HandleCleanupOldJobs purges terminal jobs past the retention window.
func (h *Handlers) HandleCleanupOldJobs(ctx context.Context, _ models.Job) error {
	purged, err := h.repo.PurgeJobsOlderThan(ctx, h.cfg.JobRetentionDays)
	if err != nil {
		return fmt.Errorf("purge old jobs: %w", err)
	}
	if purged > 0 {
		h.log.Info("purged old jobs", zap.Int64("count", purged))
	}
	return nil
}
