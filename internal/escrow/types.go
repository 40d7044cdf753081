package escrow

import (
	"time"

	"clubfund.org/internal/addr"
)

// Activity is one escrow instance: deposits of a single token pooled toward
// exactly one resolution. Header fields are immutable after creation; totals
// mutate only through deposits and the single resolution call.
type Activity struct {
	ID        uint64       `json:"id"`
	Owner     addr.Address `json:"owner"`
	Token     addr.Address `json:"token"`
	StartTime int64        `json:"start_time"` // unix seconds, inclusive
	EndTime   int64        `json:"end_time"`   // unix seconds, inclusive

	TotalAmount       uint64 `json:"total_amount"`
	DistributedAmount uint64 `json:"distributed_amount"`
	FeeAmount         uint64 `json:"fee_amount"`
	RefundedAmount    uint64 `json:"refunded_amount"`
	Resolved          bool   `json:"resolved"`

	CreatedAt time.Time `json:"created_at"`
}

// outputs sums the three resolution fields. Equals TotalAmount exactly when
// resolved, zero beforehand.
func (a Activity) outputs() uint64 {
	return a.DistributedAmount + a.FeeAmount + a.RefundedAmount
}
