package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"box-office/internal/models"
)

// ErrInsufficientSeats is returned when a performance cannot cover the
// requested quantity. The surrounding transaction is rolled back.
var ErrInsufficientSeats = errors.New("insufficient seats")

// CreateOrderParams collects inputs for a new order.
type CreateOrderParams struct {
	CustomerName  string
	CustomerEmail string
	UserID        *string
	Items         []OrderItemParams

	// PaymentJob, when set, is called with the fully-priced order and the
	// returned job is inserted in the same transaction. Either the order,
	// its seat reservation, and the job all commit together or none do, so
	// an order can never hold seats without a payment job to settle it.
	PaymentJob func(models.Order) (jobType string, payload any, opts EnqueueOptions)
}

// OrderItemParams is one requested line item.
type OrderItemParams struct {
	PerformanceID string
	Quantity      int
	UnitPrice     int64
}

// CreateOrder inserts the order and its line items and reserves seats in one
// transaction. The decrement is conditional (available_seats >= quantity) so
// two orders racing for the last seats cannot both succeed.
func (s *Store) CreateOrder(ctx context.Context, p CreateOrderParams) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	orderID := uuid.New().String()
	now := time.Now().UTC()
	var total int64

	for _, item := range p.Items {
		tag, err := tx.Exec(ctx, `
			UPDATE performances SET available_seats = available_seats - $2
			WHERE id = $1 AND available_seats >= $2
		`, item.PerformanceID, item.Quantity)
		if err != nil {
			return models.Order{}, fmt.Errorf("reserve seats: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Order{}, ErrInsufficientSeats
		}
		total += int64(item.Quantity) * item.UnitPrice
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, customer_name, customer_email, user_id, status, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, orderID, p.CustomerName, p.CustomerEmail, p.UserID, models.OrderPending, total, now)
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}

	items := make([]models.LineItem, 0, len(p.Items))
	for _, item := range p.Items {
		li := models.LineItem{
			ID:            uuid.New().String(),
			OrderID:       orderID,
			PerformanceID: item.PerformanceID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO line_items (id, order_id, performance_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, li.ID, li.OrderID, li.PerformanceID, li.Quantity, li.UnitPrice); err != nil {
			return models.Order{}, fmt.Errorf("insert line item: %w", err)
		}
		items = append(items, li)
	}

	order := models.Order{
		ID:            orderID,
		CustomerName:  p.CustomerName,
		CustomerEmail: p.CustomerEmail,
		UserID:        p.UserID,
		Status:        models.OrderPending,
		TotalAmount:   total,
		CreatedAt:     now,
		UpdatedAt:     now,
		LineItems:     items,
	}

	if p.PaymentJob != nil {
		jobType, payload, opts := p.PaymentJob(order)
		if _, err := insertJob(ctx, tx, jobType, payload, opts); err != nil {
			return models.Order{}, fmt.Errorf("enqueue payment job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("commit: %w", err)
	}

	return order, nil
}

// GetOrder fetches an order with its line items.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	var o models.Order
	var userID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_name, customer_email, user_id, status, total_amount, created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &userID, &o.Status, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	o.UserID = textPtr(userID)

	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, performance_id, quantity, unit_price FROM line_items WHERE order_id = $1
	`, id)
	if err != nil {
		return models.Order{}, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li models.LineItem
		if err := rows.Scan(&li.ID, &li.OrderID, &li.PerformanceID, &li.Quantity, &li.UnitPrice); err != nil {
			return models.Order{}, fmt.Errorf("scan line item: %w", err)
		}
		o.LineItems = append(o.LineItems, li)
	}
	return o, rows.Err()
}

// InsertPayment records a new payment attempt. Payments are append-only.
func (s *Store) InsertPayment(ctx context.Context, p models.Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, provider, provider_id, checkout_url, status, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, p.ID, p.OrderID, p.Provider, p.ProviderID, p.CheckoutURL, p.Status, p.PaymentMethod)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// PaymentByProviderID looks up a payment by the provider's transaction id.
func (s *Store) PaymentByProviderID(ctx context.Context, providerID string) (models.Payment, error) {
	var p models.Payment
	var method pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, provider, provider_id, checkout_url, status, payment_method, created_at, updated_at
		FROM payments WHERE provider_id = $1
	`, providerID).Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderID, &p.CheckoutURL, &p.Status, &method, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, ErrNotFound
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	p.PaymentMethod = textPtr(method)
	return p, nil
}

// OpenPaymentForOrder returns the order's non-terminal payment, if any. At
// most one exists at a time.
func (s *Store) OpenPaymentForOrder(ctx context.Context, orderID string) (models.Payment, error) {
	var p models.Payment
	var method pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, provider, provider_id, checkout_url, status, payment_method, created_at, updated_at
		FROM payments WHERE order_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1
	`, orderID, models.PaymentPending, models.PaymentProcessing).
		Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderID, &p.CheckoutURL, &p.Status, &method, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, ErrNotFound
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("get open payment: %w", err)
	}
	p.PaymentMethod = textPtr(method)
	return p, nil
}

// OpenPayments lists payments that have not reached a terminal state, for
// operator-driven reconciliation.
func (s *Store) OpenPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, provider, provider_id, checkout_url, status, payment_method, created_at, updated_at
		FROM payments WHERE status IN ($1, $2) ORDER BY created_at LIMIT $3
	`, models.PaymentPending, models.PaymentProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("query open payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		var method pgtype.Text
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderID, &p.CheckoutURL, &p.Status, &method, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.PaymentMethod = textPtr(method)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ApplyPaymentStatus updates a payment and its order in one transaction.
// The order transition is gated on the row still being pending, which keeps
// paid orders monotonic and makes the seat release fire at most once. An
// order that already left pending (say, expired by the orphaned-order sweep
// before a late webhook arrived) no-ops the order half; the payment update
// still commits so the provider's authoritative status is always recorded.
// The returned flag reports whether the order transition was applied.
func (s *Store) ApplyPaymentStatus(ctx context.Context, paymentID, paymentStatus string, method *string, orderID, orderStatus string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE payments SET status = $2, payment_method = COALESCE($3, payment_method), updated_at = NOW()
		WHERE id = $1
	`, paymentID, paymentStatus, method)
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}

	orderChanged := false
	switch orderStatus {
	case models.OrderPaid:
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
		`, orderID, models.OrderPaid, models.OrderPending)
		if err != nil {
			return false, fmt.Errorf("mark order paid: %w", err)
		}
		orderChanged = tag.RowsAffected() == 1
	case models.OrderFailed, models.OrderCancelled:
		switch err := cancelOrderTx(ctx, tx, orderID, orderStatus); {
		case err == nil:
			orderChanged = true
		case errors.Is(err, errAlreadySettled):
			// Order is already terminal; seats were released (or never will
			// be) by whoever settled it. Only the payment row moves.
		default:
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return orderChanged, nil
}

// CancelOrderReleasingSeats transitions a pending order to the given terminal
// status and credits its seats back. Returns false when the order already left
// pending, in which case nothing is written.
func (s *Store) CancelOrderReleasingSeats(ctx context.Context, orderID, status string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := cancelOrderTx(ctx, tx, orderID, status); err != nil {
		if errors.Is(err, errAlreadySettled) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

var errAlreadySettled = errors.New("order already settled")

// cancelOrderTx gates on status = pending so a second cancellation (duplicate
// webhook, cleanup racing a webhook) never double-credits seats.
func cancelOrderTx(ctx context.Context, tx pgx.Tx, orderID, status string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, orderID, status, models.OrderPending)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errAlreadySettled
	}

	_, err = tx.Exec(ctx, `
		UPDATE performances p SET available_seats = p.available_seats + li.qty
		FROM (
			SELECT performance_id, SUM(quantity) AS qty
			FROM line_items WHERE order_id = $1 GROUP BY performance_id
		) li
		WHERE p.id = li.performance_id
	`, orderID)
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	return nil
}

// ExpireStaleOrders cancels pending orders older than the cutoff that never
// saw a successful payment, releasing their seats. Safety net for webhooks
// that never arrive.
func (s *Store) ExpireStaleOrders(ctx context.Context, olderThan time.Duration) (int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status = $1
		  AND o.created_at < NOW() - make_interval(secs => $2)
		  AND NOT EXISTS (
			SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = $3
		  )
	`, models.OrderPending, int(olderThan.Seconds()), models.PaymentSucceeded)
	if err != nil {
		return 0, fmt.Errorf("query stale orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale order: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var cancelled int64
	for _, id := range ids {
		done, err := s.CancelOrderReleasingSeats(ctx, id, models.OrderCancelled)
		if err != nil {
			return cancelled, err
		}
		if done {
			cancelled++
		}
	}
	return cancelled, nil
}
