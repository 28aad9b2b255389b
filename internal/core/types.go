package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an order. FAILED deliberately does
// not exist: internal failures keep the order PENDING and go through recovery.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderConfirmed  OrderStatus = "CONFIRMED"
	OrderAccepted   OrderStatus = "ACCEPTED"
	OrderDispatched OrderStatus = "DISPATCHED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// PaymentStatus tracks settlement of an order.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// TransactionType classifies credit ledger entries.
type TransactionType string

const (
	TxOrderCredit      TransactionType = "ORDER_CREDIT"
	TxPaymentDebit     TransactionType = "PAYMENT_DEBIT"
	TxAdjustmentCredit TransactionType = "ADJUSTMENT_CREDIT"
	TxAdjustmentDebit  TransactionType = "ADJUSTMENT_DEBIT"
)

// WebhookStatus is the processing state of a persisted inbound event.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// WorkflowStatus is the state of a multi-step operation.
type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowPaused     WorkflowStatus = "paused"
)

// RecoveryStatus is the state of an order recovery attempt.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryRecovered  RecoveryStatus = "recovered"
	RecoveryFailed     RecoveryStatus = "failed"
)

// AssignmentRetryStatus is the state of a vendor assignment retry.
type AssignmentRetryStatus string

const (
	AssignPending    AssignmentRetryStatus = "pending"
	AssignInProgress AssignmentRetryStatus = "in_progress"
	AssignSuccess    AssignmentRetryStatus = "success"
	AssignFailed     AssignmentRetryStatus = "failed"
	AssignTimeout    AssignmentRetryStatus = "timeout"
)

// WorkingHours is a daily window in the owner's timezone. End is exclusive.
type WorkingHours struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone"`
}

// Contains reports whether t, converted to the window's timezone, falls
// within [StartHour, EndHour).
func (w WorkingHours) Contains(t time.Time) bool {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Retailer is the buyer side of the marketplace.
type Retailer struct {
	ID              string
	Name            string
	Phone           string
	CreditLimit     decimal.Decimal
	OutstandingDebt decimal.Decimal
	RiskScore       int
	IsApproved      bool
	IsActive        bool
	WorkingHours    WorkingHours
	RiskOverride    bool // admin-approved override for high risk accounts
	CreatedAt       time.Time
}

// AvailableCredit derives the spendable headroom. The invariant
// available + outstanding == limit holds because this is never stored.
func (r *Retailer) AvailableCredit() decimal.Decimal {
	avail := r.CreditLimit.Sub(r.OutstandingDebt)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Vendor is the seller side of the marketplace.
type Vendor struct {
	ID               string
	Name             string
	Phone            string
	IsApproved       bool
	IsActive         bool
	ReliabilityScore int
	WorkingHours     WorkingHours
	MaxActiveOrders  int
	MaxPendingOrders int
	DeliveryZones    []string
	District         string
	CreatedAt        time.Time
}

// Product is an immutable canonical SKU descriptor. Price lives per-vendor.
type Product struct {
	ID       string
	SKU      string
	Name     string
	Unit     string
	Category string
	Aliases  []string
}

// VendorProduct is a vendor's offer for a product.
type VendorProduct struct {
	VendorID    string
	ProductID   string
	Price       decimal.Decimal
	Stock       decimal.Decimal
	IsAvailable bool
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	UpdatedAt   time.Time
}

// OrderItem snapshots product name, SKU, unit price and tax at order time so
// later catalog edits cannot rewrite history.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Order is immutable after insert apart from status transitions and a single
// vendor change per reassignment.
type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"order_number"`
	RetailerID    string          `json:"retailer_id"`
	VendorID      string          `json:"vendor_id"`
	Items         []OrderItem     `json:"items"`
	Total         decimal.Decimal `json:"total"`
	CreditUsed    decimal.Decimal `json:"credit_used"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// CreditLedgerEntry is an append-only financial record. Committed rows are
// never updated or deleted; corrections go through Reverse.
type CreditLedgerEntry struct {
	ID                string
	RetailerID        string
	VendorID          string
	TransactionType   TransactionType
	Amount            decimal.Decimal
	PreviousBalance   decimal.Decimal
	RunningBalance    decimal.Decimal
	LinkedOrderID     string
	IsReversed        bool
	ReversalOfEntryID string
	Description       string
	CreatedAt         time.Time
}

// Signed returns the amount with the sign its transaction type implies.
// Credits raise the retailer's outstanding balance, debits lower it.
func (e *CreditLedgerEntry) Signed() decimal.Decimal {
	switch e.TransactionType {
	case TxOrderCredit, TxAdjustmentCredit:
		return e.Amount
	default:
		return e.Amount.Neg()
	}
}

// WebhookEvent is an inbound external event, persisted before any processing.
type WebhookEvent struct {
	ID          string
	Source      string
	Payload     []byte
	Headers     map[string]string
	Status      WebhookStatus
	RetryCount  int
	MaxRetries  int
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	NextRetryAt *time.Time
	Error       string
}

// WorkflowState tracks where a multi-step operation got to.
type WorkflowState struct {
	ID            string
	Type          string
	EntityRef     string
	CurrentStep   string
	StepData      []byte // opaque; shape owned by the workflow type
	Status        WorkflowStatus
	LastHeartbeat time.Time
	Attempts      int
	CreatedAt     time.Time
}

// Stale reports whether the workflow is in progress but its heartbeat is
// older than timeout.
func (w *WorkflowState) Stale(now time.Time, timeout time.Duration) bool {
	return w.Status == WorkflowInProgress && now.Sub(w.LastHeartbeat) > timeout
}

// VendorAssignmentRetry schedules a reassignment after a vendor misses its
// response deadline.
type VendorAssignmentRetry struct {
	ID               string
	OrderID          string
	VendorID         string
	AttemptNumber    int
	Status           AssignmentRetryStatus
	ResponseDeadline time.Time
	NextRetryAt      *time.Time
	FailureReason    string
	CreatedAt        time.Time
}

// OrderRecoveryState records a failed processing step so the recovery worker
// can re-drive the order instead of failing it.
type OrderRecoveryState struct {
	ID             string
	OrderID        string
	OriginalStatus OrderStatus
	RecoveryStatus RecoveryStatus
	FailurePoint   string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey makes externally visible state changes replay-safe.
type IdempotencyKey struct {
	Key             string
	OperationType   string
	RequestHash     string
	ResponsePayload []byte
	Status          string // processing | completed
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// RejectedOrder is an admin-review record for refused orders. It never
// blocks the retailer from retrying.
type RejectedOrder struct {
	ID              string
	RetailerID      string
	Reason          string
	RequestedAmount decimal.Decimal
	AvailableCredit decimal.Decimal
	Shortfall       decimal.Decimal
	RawInput        string
	Reviewed        bool
	CreatedAt       time.Time
}

// OrderStatusLog is one row per status transition.
type OrderStatusLog struct {
	ID        string
	OrderID   string
	FromState OrderStatus
	ToState   OrderStatus
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// AuditLog captures user-initiated state changes with old/new JSON.
type AuditLog struct {
	ID         string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	OldValue   []byte
	NewValue   []byte
	CreatedAt  time.Time
}

// PriceHistory is emitted on every vendor price change.
type PriceHistory struct {
	ID        string
	VendorID  string
	ProductID string
	OldPrice  decimal.Decimal
	NewPrice  decimal.Decimal
	ChangePct decimal.Decimal
	CreatedAt time.Time
}

// ParseSession holds an ambiguous parse awaiting retailer clarification.
type ParseSession struct {
	ID         string
	Source     string
	RetailerID string
	RawInput   string
	Result     []byte // parser output snapshot, JSON
	Status     string // open | resolved | expired
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// DeadLetterJob is a job that exhausted its retries, parked for inspection.
type DeadLetterJob struct {
	JobID         string    `json:"job_id"`
	OriginalQueue string    `json:"original_queue"`
	JobType       string    `json:"job_type"`
	Payload       []byte    `json:"payload"`
	LastError     string    `json:"last_error"`
	LastStack     string    `json:"last_stack,omitempty"`
	AttemptCount  int       `json:"attempt_count"`
	FailedAt      time.Time `json:"failed_at"`
}

// UploadedOrder tracks an order image through extraction and parsing.
type UploadedOrder struct {
	ID             string    `json:"id"`
	RetailerID     string    `json:"retailer_id"`
	ImageURL       string    `json:"image_url"`
	Status         string    `json:"status"` // processing | parsed | needs_review | failed
	ParseSessionID string    `json:"parse_session_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VendorDecision is the immutable record of one vendor selection.
type VendorDecision struct {
	ID             string
	ProductID      string
	OrderID        string
	SelectedVendor string
	Shortlist      []byte // ranked candidates snapshot, JSON
	ConfigSnapshot []byte
	Reason         string
	Strategy       string
	CreatedAt      time.Time
}
