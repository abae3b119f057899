package model

import "time"

type EventKind string

const (
	EventPaymentProcessed      EventKind = "payment_processed"
	EventSubscriptionCreated   EventKind = "subscription_created"
	EventSubscriptionExecuted  EventKind = "subscription_executed"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
	EventAllowanceIncreased    EventKind = "allowance_increased"
	EventMaxAmountUpdated      EventKind = "max_amount_updated"
	EventComputeRefundFailed   EventKind = "compute_refund_failed"
)

// Event is a write-once lifecycle notification. The engine emits exactly one
// per successful mutating operation (plus a distinct refund-failure record
// when the best-effort refund path absorbs a transfer error); nothing in the
// engine ever reads one back.
type Event struct {
	ID          string // ULID, time-ordered
	Kind        EventKind
	OperationID string // caller-supplied idempotency identifier (UUID)
	// Key resulting values; zero when not applicable to the kind.
	NextPaymentDue     int64
	RemainingAllowance uint64
	NewAllowance       uint64
	NewMaxAmount       uint64
	CreatedAt          time.Time
}
