package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standardized error taxonomy. Transient errors are retried by the worker
// layer; validation and authorization errors surface to callers immediately.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("authorization error")
	ErrVendorUnavailable = errors.New("no eligible vendor")
	ErrTransient         = errors.New("transient error")
	ErrPermanent         = errors.New("permanent error")
	ErrConflict          = errors.New("idempotency conflict")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrLedgerImmutable   = errors.New("ledger rows are append-only")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// CreditRejectReason enumerates why the credit validator refused an order.
type CreditRejectReason string

const (
	ReasonCreditLimitExceeded CreditRejectReason = "CREDIT_LIMIT_EXCEEDED"
	ReasonOverdueBlock        CreditRejectReason = "OVERDUE_BLOCK"
	ReasonAccountInactive     CreditRejectReason = "ACCOUNT_INACTIVE"
	ReasonAccountNotApproved  CreditRejectReason = "ACCOUNT_NOT_APPROVED"
	ReasonHighRiskAccount     CreditRejectReason = "HIGH_RISK_ACCOUNT"
)

// CreditRejection is the structured CREDIT_REJECTED error. Shortfall is only
// meaningful for CREDIT_LIMIT_EXCEEDED.
type CreditRejection struct {
	Reason    CreditRejectReason `json:"reason"`
	Shortfall decimal.Decimal    `json:"shortfall"`
	Available decimal.Decimal    `json:"available"`
	Requested decimal.Decimal    `json:"requested"`
}

func (e *CreditRejection) Error() string {
	if e.Reason == ReasonCreditLimitExceeded {
		return fmt.Sprintf("credit rejected: %s (shortfall %s)", e.Reason, e.Shortfall)
	}
	return fmt.Sprintf("credit rejected: %s", e.Reason)
}

// AsCreditRejection unwraps err into a CreditRejection if it is one.
func AsCreditRejection(err error) (*CreditRejection, bool) {
	var cr *CreditRejection
	if errors.As(err, &cr) {
		return cr, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried by the fabric.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Transient wraps err so the fabric retries it with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err so the fabric routes the job to the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
