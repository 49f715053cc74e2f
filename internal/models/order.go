package models

import "time"

// Order lifecycle states. Transitions are monotonic toward a terminal state;
// a paid order never reverts.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderFailed    = "failed"
	OrderCancelled = "cancelled"
)

// Payment lifecycle states.
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentSucceeded  = "succeeded"
	PaymentFailed     = "failed"
	PaymentCancelled  = "cancelled"
)

// Payment providers.
const (
	ProviderMollie = "mollie"
	ProviderMock   = "mock"
)

// Order is a customer purchase. Amounts are in euro cents.
type Order struct {
	ID            string     `json:"id"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	UserID        *string    `json:"user_id,omitempty"`
	Status        string     `json:"status"`
	TotalAmount   int64      `json:"total_amount"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LineItems     []LineItem `json:"line_items,omitempty"`
}

// LineItem is a quantity of seats for one performance within an order.
type LineItem struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	PerformanceID string `json:"performance_id"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
}

// Payment is one attempt to collect an order's total through a provider.
// Payments are never deleted.
type Payment struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	Provider      string    `json:"provider"`
	ProviderID    string    `json:"provider_id"`
	CheckoutURL   string    `json:"checkout_url"`
	Status        string    `json:"status"`
	PaymentMethod *string   `json:"payment_method,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TerminalPayment reports whether the payment will not change state again.
func TerminalPayment(status string) bool {
	return status == PaymentSucceeded || status == PaymentFailed || status == PaymentCancelled
}

// Performance is the seat inventory unit. available_seats is only mutated
// through conditional updates in the store, never read-modify-write.
type Performance struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"starts_at"`
	TotalSeats     int       `json:"total_seats"`
	AvailableSeats int       `json:"available_seats"`
	Status         string    `json:"status"`
}
