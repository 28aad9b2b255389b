package notify

import (
	"fmt"
	"strings"

	apperrors "wholesale_backend/pkg/errors"

	"github.com/shopspring/decimal"
)

// CreditRejectionMessage renders the customer-safe explanation for a refused
// order. It names amounts, never internal reasons or error detail.
func CreditRejectionMessage(rej *apperrors.CreditRejection) string {
	switch rej.Reason {
	case apperrors.ReasonCreditLimitExceeded:
		return fmt.Sprintf(
			"Order exceeds available credit limit. Your available credit is Rs.%s, this order needs Rs.%s. Please clear Rs.%s of outstanding payments or reduce the order.",
			money(rej.Available), money(rej.Requested), money(rej.Shortfall))
	case apperrors.ReasonOverdueBlock:
		return "Your account has payments overdue for more than 30 days. Please settle outstanding dues to place new orders."
	case apperrors.ReasonAccountInactive:
		return "Your account is currently inactive. Please contact support to reactivate it."
	case apperrors.ReasonAccountNotApproved:
		return "Your account is awaiting approval. We will notify you as soon as you can start ordering."
	default:
		return "We could not place this order right now. Our team has been notified and will contact you shortly."
	}
}

// OrderConfirmationMessage confirms a placed order back to the retailer.
func OrderConfirmationMessage(orderNumber, vendorName string, total decimal.Decimal, itemSummary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s confirmed!\n", orderNumber)
	if itemSummary != "" {
		fmt.Fprintf(&b, "Items: %s\n", itemSummary)
	}
	fmt.Fprintf(&b, "Supplier: %s\nTotal: Rs.%s\n", vendorName, money(total))
	b.WriteString("We will update you when the order is dispatched.")
	return b.String()
}

// ClarificationMessage asks the retailer one question about an unclear order.
func ClarificationMessage(question string) string {
	return fmt.Sprintf("We nearly have your order! One question: %s", question)
}

// VendorAssignmentMessage asks a vendor to accept an order within the
// deadline window.
func VendorAssignmentMessage(orderNumber, itemSummary string, deadlineHours int) string {
	return fmt.Sprintf(
		"New order %s: %s. Please reply ACCEPT or REJECT within %d hours.",
		orderNumber, itemSummary, deadlineHours)
}

// PaymentReminderMessage nudges a retailer about an outstanding balance.
func PaymentReminderMessage(vendorName string, balance decimal.Decimal, daysOutstanding int) string {
	return fmt.Sprintf(
		"Payment reminder: Rs.%s outstanding to %s for %d days. Please settle soon to keep your credit available.",
		money(balance), vendorName, daysOutstanding)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
