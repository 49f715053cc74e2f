package payments

import (
	"context"
	"fmt"

	"box-office/internal/models"
)

// Provider status vocabulary, as reported by Mollie and mirrored by the mock.
const (
	StatusOpen     = "open"
	StatusPending  = "pending"
	StatusPaid     = "paid"
	StatusFailed   = "failed"
	StatusExpired  = "expired"
	StatusCanceled = "canceled"
)

// CreatePaymentRequest describes a checkout to open with the provider.
// Amount is in cents.
type CreatePaymentRequest struct {
	Amount      int64
	Currency    string
	Description string
	RedirectURL string
	WebhookURL  string
}

// ProviderPayment is the provider's view of a payment.
type ProviderPayment struct {
	ID          string
	Status      string
	CheckoutURL string
	Method      *string
}

// Provider is the payment-provider API consumed by the handlers. Implementors
// tag returned errors with their retry classification (jobs.Retryable /
// jobs.Permanent) so the dispatcher can decide retry vs dead-letter.
type Provider interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (ProviderPayment, error)
	GetPayment(ctx context.Context, id string) (ProviderPayment, error)
}

// mapProviderStatus translates the provider vocabulary into local payment and
// order states.
func mapProviderStatus(status string) (paymentStatus, orderStatus string, err error) {
	switch status {
	case StatusPaid:
		return models.PaymentSucceeded, models.OrderPaid, nil
	case StatusFailed, StatusExpired:
		return models.PaymentFailed, models.OrderFailed, nil
	case StatusCanceled:
		return models.PaymentCancelled, models.OrderCancelled, nil
	case StatusPending, StatusOpen:
		return models.PaymentProcessing, models.OrderPending, nil
	default:
		return "", "", fmt.Errorf("unknown provider status %q", status)
	}
}
