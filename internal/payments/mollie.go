package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"box-office/internal/jobs"
)

// MollieClient talks to the Mollie v2 REST API.
type MollieClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewMollieClient(apiKey, baseURL string) *MollieClient {
	return &MollieClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type molliePaymentRequest struct {
	Amount      mollieAmount `json:"amount"`
	Description string       `json:"description"`
	RedirectURL string       `json:"redirectUrl"`
	WebhookURL  string       `json:"webhookUrl"`
}

type molliePaymentResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount mollieAmount `json:"amount"`
	Method *string      `json:"method"`
	Links  struct {
		Checkout struct {
			Href string `json:"href"`
		} `json:"checkout"`
	} `json:"_links"`
}

// CreatePayment opens a checkout with Mollie.
func (m *MollieClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (ProviderPayment, error) {
	body := molliePaymentRequest{
		Amount:      mollieAmount{Currency: req.Currency, Value: formatAmount(req.Amount)},
		Description: req.Description,
		RedirectURL: req.RedirectURL,
		WebhookURL:  req.WebhookURL,
	}
	var resp molliePaymentResponse
	if err := m.do(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return ProviderPayment{}, err
	}
	return ProviderPayment{
		ID:          resp.ID,
		Status:      resp.Status,
		CheckoutURL: resp.Links.Checkout.Href,
		Method:      resp.Method,
	}, nil
}

// GetPayment fetches the authoritative status for a payment.
func (m *MollieClient) GetPayment(ctx context.Context, id string) (ProviderPayment, error) {
	var resp molliePaymentResponse
	if err := m.do(ctx, http.MethodGet, "/payments/"+id, nil, &resp); err != nil {
		return ProviderPayment{}, err
	}
	return ProviderPayment{
		ID:          resp.ID,
		Status:      resp.Status,
		CheckoutURL: resp.Links.Checkout.Href,
		Method:      resp.Method,
	}, nil
}

// do performs one API call and classifies the failure modes: an absent key or
// a rejected one will never succeed on retry, an unreachable API will.
func (m *MollieClient) do(ctx context.Context, method, path string, body, out any) error {
	if m.apiKey == "" {
		return jobs.Permanent(errors.New("mollie api key not configured"))
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return jobs.Permanent(fmt.Errorf("marshal mollie request: %w", err))
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("build mollie request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return jobs.Retryable(fmt.Errorf("mollie unreachable: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return jobs.Permanent(fmt.Errorf("mollie rejected credentials: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return jobs.Retryable(fmt.Errorf("mollie unavailable: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return jobs.Permanent(fmt.Errorf("mollie rejected request: status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return jobs.Retryable(fmt.Errorf("decode mollie response: %w", err))
	}
	return nil
}

// formatAmount renders cents as the "10.00" decimal string Mollie expects.
func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
