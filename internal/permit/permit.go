// Package permit implements signature-based transfer authorization: an owner
// signs a structured message off-line and anyone may submit it to set the
// spender's allowance, in place of a separate approval call.
package permit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/token"
)

var (
	ErrExpired      = errors.New("permit expired")
	ErrNonceReused  = errors.New("permit nonce already consumed")
	ErrBadSignature = errors.New("permit signature invalid")
)

// domainTag separates permit digests from every other signed payload.
const domainTag = "clubfund-permit-v1"

// Permit is a single-use, deadline-bound authorization signed by the owner.
// PublicKey must map to Owner via addr.FromPublicKey.
type Permit struct {
	Owner     addr.Address      `json:"owner"`
	Spender   addr.Address      `json:"spender"`
	Amount    uint64            `json:"amount"`
	Deadline  int64             `json:"deadline"` // unix seconds
	Nonce     uint64            `json:"nonce"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Signature []byte            `json:"signature"`
}

// Digest computes the domain-separated message an owner signs. The token
// address is part of the domain so a permit for one token cannot replay
// against another.
func Digest(tokenAddr addr.Address, owner, spender addr.Address, amount uint64, deadline int64, nonce uint64) [32]byte {
	var buf [16]byte
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write(tokenAddr[:])
	h.Write(owner[:])
	h.Write(spender[:])
	binary.BigEndian.PutUint64(buf[:8], amount)
	binary.BigEndian.PutUint64(buf[8:], uint64(deadline))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:8], nonce)
	h.Write(buf[:8])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces a permit over the given parameters. The owner address is
// derived from the public half of the key.
func Sign(priv ed25519.PrivateKey, tokenAddr, spender addr.Address, amount uint64, deadline int64, nonce uint64) Permit {
	pub := priv.Public().(ed25519.PublicKey)
	owner := addr.FromPublicKey(pub)
	digest := Digest(tokenAddr, owner, spender, amount, deadline, nonce)
	return Permit{
		Owner:     owner,
		Spender:   spender,
		Amount:    amount,
		Deadline:  deadline,
		Nonce:     nonce,
		PublicKey: pub,
		Signature: ed25519.Sign(priv, digest[:]),
	}
}

type nonceKey struct {
	token addr.Address
	owner addr.Address
}

// Authorizer verifies permits and applies them as allowance mutations on the
// token ledger. Nonces are sequential per (token, owner) and single-use.
type Authorizer struct {
	mu     sync.Mutex
	nonces map[nonceKey]uint64
	tokens token.Resolver
	now    func() time.Time
}

// NewAuthorizer creates an Authorizer resolving ledgers through tokens.
func NewAuthorizer(tokens token.Resolver) *Authorizer {
	return &Authorizer{
		nonces: make(map[nonceKey]uint64),
		tokens: tokens,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

// Nonce returns the next expected nonce for (token, owner).
func (a *Authorizer) Nonce(tokenAddr, owner addr.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[nonceKey{tokenAddr, owner}]
}

// VerifyAndConsume validates the permit against the token's signing domain
// and, on success, marks the nonce consumed and raises the spender's
// allowance to the permitted amount. The side effect is an allowance
// mutation, never a transfer.
func (a *Authorizer) VerifyAndConsume(ctx context.Context, tokenAddr addr.Address, p Permit) error {
	if a.now().Unix() > p.Deadline {
		return ErrExpired
	}

	ledger, err := a.tokens.Token(tokenAddr)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := nonceKey{tokenAddr, p.Owner}
	if p.Nonce != a.nonces[key] {
		return ErrNonceReused
	}

	if len(p.PublicKey) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if addr.FromPublicKey(p.PublicKey) != p.Owner {
		return ErrBadSignature
	}
	digest := Digest(tokenAddr, p.Owner, p.Spender, p.Amount, p.Deadline, p.Nonce)
	if !ed25519.Verify(p.PublicKey, digest[:], p.Signature) {
		return ErrBadSignature
	}

	if err := ledger.Approve(ctx, p.Owner, p.Spender, p.Amount); err != nil {
		return err
	}
	a.nonces[key] = p.Nonce + 1
	return nil
}
