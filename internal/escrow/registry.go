package escrow

import (
	"clubfund.org/internal/addr"
)

// Registry allocates sequential activity ids (starting at 1) and holds the
// durable id -> Activity map. Each activity is a uniquely owned record, so
// the registry also answers total and per-owner counts. Callers are expected
// to serialize access; the Manager does so under its own lock.
type Registry struct {
	acts     map[uint64]*Activity
	nextID   uint64
	perOwner map[addr.Address]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		acts:     make(map[uint64]*Activity),
		nextID:   1,
		perOwner: make(map[addr.Address]uint64),
	}
}

// Allocate assigns the next id to the activity and stores it.
func (r *Registry) Allocate(a *Activity) uint64 {
	a.ID = r.nextID
	r.nextID++
	r.acts[a.ID] = a
	r.perOwner[a.Owner]++
	return a.ID
}

// Get returns the stored activity or ErrUnknownActivity.
func (r *Registry) Get(id uint64) (*Activity, error) {
	a, ok := r.acts[id]
	if !ok {
		return nil, ErrUnknownActivity
	}
	return a, nil
}

// TotalSupply is the number of activities ever created. Records are never
// deleted.
func (r *Registry) TotalSupply() uint64 {
	return uint64(len(r.acts))
}

// OwnerCount is the number of activities created for owner.
func (r *Registry) OwnerCount(owner addr.Address) uint64 {
	return r.perOwner[owner]
}
