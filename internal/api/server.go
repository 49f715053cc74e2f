package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"box-office/internal/config"
	"box-office/internal/models"
	"box-office/internal/payments"
	"box-office/internal/store"
	"box-office/internal/telemetry"
)

// Store is the persistence surface the HTTP layer needs. *store.Store
// satisfies it.
type Store interface {
	EnqueueJob(ctx context.Context, jobType string, payload any, opts store.EnqueueOptions) (models.Job, error)
	CreateOrder(ctx context.Context, p store.CreateOrderParams) (models.Order, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	DeadJobs(ctx context.Context, limit int) ([]models.Job, error)
	OpenPayments(ctx context.Context, limit int) ([]models.Payment, error)
}

// MockStatusSetter records a simulated provider status for a mock payment.
type MockStatusSetter interface {
	SetStatus(ctx context.Context, id, status string) error
}

// Limiter gates order creation per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server wires the HTTP surface: webhook ingestion, the order producer
// endpoint, and operator inspection routes.
type Server struct {
	cfg     config.Config
	store   Store
	mock    MockStatusSetter
	limiter Limiter
	log     *zap.Logger
}

func New(cfg config.Config, st Store, mock MockStatusSetter, limiter Limiter, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: st, mock: mock, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/orders", s.handleCreateOrder)
	r.Get("/orders/{id}", s.handleGetOrder)
	r.Get("/jobs/dead", s.handleDeadJobs)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Post("/webhooks/payment", s.handleWebhook)
	r.Post("/webhooks/payment/mock", s.handleMockWebhook)
	r.Get("/checkout/mock/{id}", s.handleMockCheckout)

	r.With(s.requireScope("sync:payments", "sync:orders")).Post("/sync", s.handleSync)
	return r
}

type orderItemRequest struct {
	PerformanceID string `json:"performance_id"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
}

type createOrderRequest struct {
	CustomerName  string             `json:"customer_name"`
	CustomerEmail string             `json:"customer_email"`
	Items         []orderItemRequest `json:"items"`
}

// handleCreateOrder reserves seats, creates the order, and enqueues the
// payment creation job, all in one store transaction so a failed enqueue
// cannot strand a seat-holding order. Seat exhaustion is surfaced
// synchronously; it never enters the job queue.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CustomerEmail == "" || len(req.Items) == 0 {
		http.Error(w, "customer_email and items are required", http.StatusBadRequest)
		return
	}
	items := make([]store.OrderItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		if item.PerformanceID == "" || item.Quantity <= 0 {
			http.Error(w, "items need performance_id and positive quantity", http.StatusBadRequest)
			return
		}
		items = append(items, store.OrderItemParams{
			PerformanceID: item.PerformanceID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
		})
	}

	order, err := s.store.CreateOrder(r.Context(), store.CreateOrderParams{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Items:         items,
		PaymentJob: func(o models.Order) (string, any, store.EnqueueOptions) {
			return models.TypePaymentCreation, payments.CreationPayload{
				OrderID:       o.ID,
				Amount:        o.TotalAmount,
				Currency:      "EUR",
				CustomerEmail: o.CustomerEmail,
				CustomerName:  o.CustomerName,
				Description:   "Order " + o.ID,
				RedirectURL:   s.cfg.PublicBaseURL + "/orders/" + o.ID,
				WebhookURL:    s.cfg.PublicBaseURL + "/webhooks/payment",
			}, store.EnqueueOptions{MaxAttempts: s.cfg.MaxAttempts}
		},
	})
	if errors.Is(err, store.ErrInsufficientSeats) {
		telemetry.OrdersSoldOut.Inc()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "sold out"})
		return
	}
	if err != nil {
		s.log.Error("create order", zap.Error(err))
		http.Error(w, "create order failed", http.StatusInternalServerError)
		return
	}
	telemetry.OrdersCreated.Inc()
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeadJobs lists dead-lettered jobs for operator inspection.
func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.DeadJobs(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// handleWebhook translates an inbound provider callback into a queued job and
// acknowledges before any processing happens. The provider's timeout/retry
// behavior must never see downstream latency.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := paymentIDFromRequest(r)
	if id == "" {
		http.Error(w, "missing payment id", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.Inc()

	_, err := s.store.EnqueueJob(r.Context(), models.TypePaymentWebhook,
		payments.WebhookPayload{PaymentID: id}, store.EnqueueOptions{MaxAttempts: s.cfg.MaxAttempts})
	if err != nil {
		telemetry.WebhooksDropped.Inc()
		s.log.Error("enqueue payment_webhook", zap.String("provider_id", id), zap.Error(err))
		if !s.cfg.WebhookAckOnError {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		// Acknowledge anyway to avoid provider retry storms; the dropped
		// delivery is covered by the sync endpoint and orphaned-order sweep.
	} else {
		telemetry.JobsEnqueued.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

var mockStatuses = map[string]bool{
	payments.StatusPaid:     true,
	payments.StatusFailed:   true,
	payments.StatusCanceled: true,
	payments.StatusExpired:  true,
	payments.StatusPending:  true,
	payments.StatusOpen:     true,
}

// handleMockWebhook sets a simulated provider status and then follows the
// exact same path as a real webhook.
func (s *Server) handleMockWebhook(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !mockStatuses[status] {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	id := paymentIDFromRequest(r)
	if id == "" {
		http.Error(w, "missing payment id", http.StatusBadRequest)
		return
	}
	if err := s.mock.SetStatus(r.Context(), id, status); err != nil {
		s.log.Error("set mock status", zap.String("provider_id", id), zap.Error(err))
		http.Error(w, "failed to set status", http.StatusInternalServerError)
		return
	}
	telemetry.WebhooksReceived.Inc()

	if _, err := s.store.EnqueueJob(r.Context(), models.TypePaymentWebhook,
		payments.WebhookPayload{PaymentID: id}, store.EnqueueOptions{MaxAttempts: s.cfg.MaxAttempts}); err != nil {
		telemetry.WebhooksDropped.Inc()
		s.log.Error("enqueue payment_webhook", zap.String("provider_id", id), zap.Error(err))
		if !s.cfg.WebhookAckOnError {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	} else {
		telemetry.JobsEnqueued.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleMockCheckout is the local stand-in for the provider's hosted checkout
// page.
func (s *Server) handleMockCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]string{
		"payment_id": id,
		"hint":       fmt.Sprintf("POST /webhooks/payment/mock?status=paid with body {\"id\":%q} to settle", id),
	})
}

// handleSync re-drives reconciliation for everything non-terminal: one
// payment_webhook job per open payment plus an immediate orphaned-order
// sweep. Scopes gate which half runs.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	scopes := scopesFromContext(r.Context())
	result := map[string]int{}

	if scopes["sync:payments"] {
		open, err := s.store.OpenPayments(r.Context(), 500)
		if err != nil {
			http.Error(w, "failed to list open payments", http.StatusInternalServerError)
			return
		}
		enqueued := 0
		for _, p := range open {
			if _, err := s.store.EnqueueJob(r.Context(), models.TypePaymentWebhook,
				payments.WebhookPayload{PaymentID: p.ProviderID}, store.EnqueueOptions{MaxAttempts: s.cfg.MaxAttempts}); err != nil {
				s.log.Error("enqueue sync webhook", zap.String("payment_id", p.ID), zap.Error(err))
				continue
			}
			enqueued++
		}
		result["payments"] = enqueued
	}

	if scopes["sync:orders"] {
		if _, err := s.store.EnqueueJob(r.Context(), models.TypeOrphanedOrderCleanup,
			struct{}{}, store.EnqueueOptions{}); err != nil {
			http.Error(w, "failed to enqueue order sweep", http.StatusInternalServerError)
			return
		}
		result["orders"] = 1
	}

	writeJSON(w, http.StatusOK, result)
}

// paymentIDFromRequest accepts both Mollie's form encoding (id=<txid>) and a
// JSON body ({"id": "..."}).
func paymentIDFromRequest(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return ""
		}
		return body.ID
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.PostFormValue("id")
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
