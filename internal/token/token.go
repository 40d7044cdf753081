// Package token models the fungible-token ledger the escrow manager moves
// funds through. The Ledger interface is what the rest of the service
// depends on; Token is the in-process implementation the factory deploys.
package token

import (
	"context"
	"sync"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/ids"
)

// Ledger is the account ledger of a single fungible token.
type Ledger interface {
	BalanceOf(ctx context.Context, account addr.Address) (uint64, error)
	Transfer(ctx context.Context, from, to addr.Address, amount uint64) (Transfer, error)
	TransferFrom(ctx context.Context, spender, from, to addr.Address, amount uint64) (Transfer, error)
	Approve(ctx context.Context, owner, spender addr.Address, amount uint64) error
	Allowance(ctx context.Context, owner, spender addr.Address) (uint64, error)
	Mint(ctx context.Context, minter, to addr.Address, amount uint64) error
}

// Resolver looks a deployed token ledger up by address.
type Resolver interface {
	Token(address addr.Address) (Ledger, error)
}

// Transfer is the record emitted for every balance movement.
type Transfer struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	From      addr.Address `json:"from"`
	To        addr.Address `json:"to"`
	Amount    uint64       `json:"amount"` // minor units
	Sequence  uint64       `json:"sequence"`
}

// Token implements Ledger with in-process concurrency safety.
type Token struct {
	mu         sync.RWMutex
	name       string
	symbol     string
	address    addr.Address
	minter     addr.Address
	supply     uint64
	balances   map[addr.Address]uint64
	allowances map[addr.Address]map[addr.Address]uint64
	seq        uint64
	transfers  []Transfer
}

// New creates an empty token ledger. Only minter may mint.
func New(address addr.Address, name, symbol string, minter addr.Address) *Token {
	return &Token{
		name:       name,
		symbol:     symbol,
		address:    address,
		minter:     minter,
		balances:   make(map[addr.Address]uint64),
		allowances: make(map[addr.Address]map[addr.Address]uint64),
	}
}

func (t *Token) Name() string          { return t.name }
func (t *Token) Symbol() string        { return t.symbol }
func (t *Token) Address() addr.Address { return t.address }

// TotalSupply returns the amount minted so far.
func (t *Token) TotalSupply() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

func (t *Token) BalanceOf(ctx context.Context, account addr.Address) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[account], nil
}

func (t *Token) Allowance(ctx context.Context, owner, spender addr.Address) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowances[owner][spender], nil
}

// Approve sets spender's allowance over owner's balance. Setting zero
// revokes it.
func (t *Token) Approve(ctx context.Context, owner, spender addr.Address, amount uint64) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[addr.Address]uint64)
		t.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

func (t *Token) Transfer(ctx context.Context, from, to addr.Address, amount uint64) (Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves funds on behalf of spender, consuming allowance.
func (t *Token) TransferFrom(ctx context.Context, spender, from, to addr.Address, amount uint64) (Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[from][spender]
	if allowed < amount {
		return Transfer{}, ErrInsufficientAllowance
	}
	tr, err := t.move(from, to, amount)
	if err != nil {
		return Transfer{}, err
	}
	t.allowances[from][spender] = allowed - amount
	return tr, nil
}

// Mint credits new supply. Restricted to the minter recorded at creation
// (the factory).
func (t *Token) Mint(ctx context.Context, minter, to addr.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if minter != t.minter {
		return ErrNotMinter
	}
	t.balances[to] += amount
	t.supply += amount
	return nil
}

// ListTransfers returns transfer records after the given sequence number.
func (t *Token) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var res []Transfer
	var last uint64
	for _, tr := range t.transfers {
		if tr.Sequence <= afterSeq {
			continue
		}
		res = append(res, tr)
		last = tr.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// move applies a balance mutation. Caller holds the write lock.
func (t *Token) move(from, to addr.Address, amount uint64) (Transfer, error) {
	if amount == 0 {
		return Transfer{}, ErrInvalidAmount
	}
	if from.IsZero() || to.IsZero() {
		return Transfer{}, ErrZeroAddress
	}
	if t.balances[from] < amount {
		return Transfer{}, ErrInsufficientFunds
	}

	t.balances[from] -= amount
	t.balances[to] += amount

	t.seq++
	tr := Transfer{
		ID:        ids.New(),
		CreatedAt: time.Now().UTC(),
		From:      from,
		To:        to,
		Amount:    amount,
		Sequence:  t.seq,
	}
	t.transfers = append(t.transfers, tr)
	return tr, nil
}
