package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"box-office/internal/jobs"
)

const mockStatusTTL = 48 * time.Hour

// MockProvider simulates the payment provider for test and staging
// environments. Simulated statuses live in Redis so the API process (which
// takes mock webhook calls) and the worker process (which reconciles) share
// one view.
type MockProvider struct {
	client  *redis.Client
	baseURL string
}

func NewMockProvider(client *redis.Client, baseURL string) *MockProvider {
	return &MockProvider{client: client, baseURL: baseURL}
}

func (m *MockProvider) key(id string) string {
	return "mockpay:" + id
}

// CreatePayment issues a synthetic transaction id and a local checkout URL.
func (m *MockProvider) CreatePayment(ctx context.Context, req CreatePaymentRequest) (ProviderPayment, error) {
	id := "mock_" + uuid.New().String()
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.key(id), "status", StatusOpen)
	pipe.Expire(ctx, m.key(id), mockStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return ProviderPayment{}, jobs.Retryable(fmt.Errorf("store mock payment: %w", err))
	}
	return ProviderPayment{
		ID:          id,
		Status:      StatusOpen,
		CheckoutURL: m.baseURL + "/checkout/mock/" + id,
	}, nil
}

// GetPayment reads back the simulated status last set via SetStatus.
func (m *MockProvider) GetPayment(ctx context.Context, id string) (ProviderPayment, error) {
	vals, err := m.client.HGetAll(ctx, m.key(id)).Result()
	if err != nil {
		return ProviderPayment{}, jobs.Retryable(fmt.Errorf("read mock payment: %w", err))
	}
	if len(vals) == 0 {
		return ProviderPayment{}, jobs.Permanent(errors.New("mock payment not found: " + id))
	}
	p := ProviderPayment{ID: id, Status: vals["status"]}
	if method, ok := vals["method"]; ok && method != "" {
		p.Method = &method
	}
	return p, nil
}

// SetStatus records a simulated provider status, driven by the mock webhook
// endpoint.
func (m *MockProvider) SetStatus(ctx context.Context, id, status string) error {
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.key(id), "status", status)
	if status == StatusPaid {
		pipe.HSet(ctx, m.key(id), "method", "ideal")
	}
	pipe.Expire(ctx, m.key(id), mockStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set mock payment status: %w", err)
	}
	return nil
}
