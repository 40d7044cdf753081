// Package factory deploys per-owner fungible tokens at deterministically
// derived addresses: one token per owner, address computable before the
// deploy happens.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/stream"
	"clubfund.org/internal/token"
)

// Template names the token code template all factory deployments share.
const Template = "club-token-v1"

// InitialSupply is minted entirely to the owner at deploy time
// (10,000,000,000 whole tokens at 6 decimals).
const InitialSupply uint64 = 10_000_000_000 * 1_000_000

var ErrAlreadyDeployed = errors.New("token already deployed for owner")

// InvariantError reports a divergence between the derived address and the
// address the token actually landed at. It indicates a build or environment
// defect, not bad input, and must never be swallowed.
type InvariantError struct {
	Expected addr.Address
	Got      addr.Address
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("deployed address %s diverges from derived %s", e.Got, e.Expected)
}

// Record is the per-owner deployment entry. Immutable once set.
type Record struct {
	Owner  addr.Address `json:"owner"`
	Token  addr.Address `json:"token"`
	Name   string       `json:"name"`
	Symbol string       `json:"symbol"`
}

// Factory deploys tokens and resolves them by address afterwards.
type Factory struct {
	mu           sync.RWMutex
	self         addr.Address
	templateHash [32]byte
	byOwner      map[addr.Address]Record
	byAddr       map[addr.Address]*token.Token
	bus          *stream.Bus
}

// New creates a factory identified by self. Events are published to bus when
// it is non-nil.
func New(self addr.Address, bus *stream.Bus) *Factory {
	return &Factory{
		self:         self,
		templateHash: addr.TemplateHash(Template),
		byOwner:      make(map[addr.Address]Record),
		byAddr:       make(map[addr.Address]*token.Token),
		bus:          bus,
	}
}

// Address returns the factory's own address.
func (f *Factory) Address() addr.Address { return f.self }

// AddressFor returns the address a token for owner deploys to, whether or
// not the deploy has happened yet.
func (f *Factory) AddressFor(owner addr.Address) addr.Address {
	return addr.Derive(f.self, owner, f.templateHash)
}

// Deploy instantiates owner's token at the derived address and mints the
// initial supply to the owner. At most one token per owner.
func (f *Factory) Deploy(ctx context.Context, owner addr.Address, name, symbol string) (addr.Address, error) {
	if owner.IsZero() {
		return addr.Zero, token.ErrZeroAddress
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.byOwner[owner]; ok {
		return addr.Zero, ErrAlreadyDeployed
	}

	expected := addr.Derive(f.self, owner, f.templateHash)
	tok := token.New(expected, name, symbol, f.self)
	if err := tok.Mint(ctx, f.self, owner, InitialSupply); err != nil {
		return addr.Zero, err
	}
	if got := tok.Address(); got != expected {
		return addr.Zero, &InvariantError{Expected: expected, Got: got}
	}

	f.byOwner[owner] = Record{Owner: owner, Token: expected, Name: name, Symbol: symbol}
	f.byAddr[expected] = tok

	if f.bus != nil {
		f.bus.Publish(stream.Event{
			Type:  stream.TypeDeploy,
			Owner: owner,
			Token: expected,
		})
	}
	return expected, nil
}

// RecordFor returns the deployment record for owner, if any.
func (f *Factory) RecordFor(owner addr.Address) (Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.byOwner[owner]
	return rec, ok
}

// Token resolves a deployed ledger by token address. Implements
// token.Resolver for the escrow manager and the permit authorizer.
func (f *Factory) Token(address addr.Address) (token.Ledger, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tok, ok := f.byAddr[address]
	if !ok {
		return nil, token.ErrUnknownToken
	}
	return tok, nil
}

var _ token.Resolver = (*Factory)(nil)
