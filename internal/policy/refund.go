package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// DefaultRefundWindow is the minimum lead time before a resource starts at
// which a cancellation is still refunded.
const DefaultRefundWindow = 14 * 24 * time.Hour

// CanCancel reports whether a registration for a resource starting at start
// may be cancelled at now under the default window.
func CanCancel(start, now time.Time) bool {
	return Refunds{}.CanCancel(start, now)
}

// RefundAmount is always the full amount paid.
func RefundAmount(record *model.PaymentRecord) decimal.Decimal {
	return record.Amount
}

// Refunds is the refund policy with a configurable window. The zero value
// uses DefaultRefundWindow.
type Refunds struct {
	Window time.Duration
}

// NewRefunds returns a policy with the given window; non-positive values
// fall back to the default.
func NewRefunds(window time.Duration) Refunds {
	return Refunds{Window: window}
}

func (p Refunds) window() time.Duration {
	if p.Window <= 0 {
		return DefaultRefundWindow
	}
	return p.Window
}

// CanCancel is true iff start - now >= window.
func (p Refunds) CanCancel(start, now time.Time) bool {
	return start.Sub(now) >= p.window()
}

// Deadline returns the last instant at which a cancellation is refunded.
func (p Refunds) Deadline(start time.Time) time.Time {
	return start.Add(-p.window())
}

// RefundAmount is the full amount paid.
func (p Refunds) RefundAmount(record *model.PaymentRecord) decimal.Decimal {
	return RefundAmount(record)
}
