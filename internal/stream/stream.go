// Package stream carries the escrow event log: every state transition
// (deploy, create, deposit, distribute, refund) is published here for
// off-process observers and the SSE feed.
package stream

import (
	"context"
	"sync"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/ids"
)

// Type enumerates the emitted event kinds.
type Type string

const (
	TypeDeploy     Type = "deploy"
	TypeCreate     Type = "create"
	TypeDeposit    Type = "deposit"
	TypeDistribute Type = "distribute"
	TypeRefund     Type = "refund"
)

// Event is one entry of the append-only transition log. Only the fields
// relevant to the event type are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Owner addr.Address `json:"owner,omitempty"`
	Token addr.Address `json:"token,omitempty"`

	ActivityID uint64 `json:"activity_id,omitempty"`
	StartTime  int64  `json:"start_time,omitempty"`
	EndTime    int64  `json:"end_time,omitempty"`

	Amount            uint64 `json:"amount,omitempty"`
	TotalAmount       uint64 `json:"total_amount,omitempty"`
	FeeAmount         uint64 `json:"fee_amount,omitempty"`
	DistributedAmount uint64 `json:"distributed_amount,omitempty"`
	RefundedAmount    uint64 `json:"refunded_amount,omitempty"`

	// Resolved marks the event that moved the activity into its terminal
	// state. The refund companion of a distribution does not set it.
	Resolved bool `json:"resolved,omitempty"`
}

// Bus fan-outs events to all active subscribers and keeps a bounded replay
// window for late joiners.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	recent []Event
	keep   int
}

// New initialises an empty bus retaining the last keep events for replay.
func New(keep int) *Bus {
	if keep <= 0 {
		keep = 256
	}
	return &Bus{
		subs: make(map[int]chan Event),
		keep: keep,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish stamps the event and fan-outs it to all subscribers.
func (b *Bus) Publish(evt Event) Event {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.keep {
		b.recent = b.recent[len(b.recent)-b.keep:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	b.mu.Unlock()
	return evt
}

// Recent returns a copy of the retained replay window, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}
