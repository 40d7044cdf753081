// Package escrow owns the per-activity state machine: creation, deposits
// (direct or permit-authorized), distribution with fee, and the fallback
// refund after the grace period. Every state-mutating operation runs to
// completion under the manager lock, reads the clock once, and either
// applies fully or leaves no mutation behind.
package escrow

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/obs"
	"clubfund.org/internal/permit"
	"clubfund.org/internal/stream"
	"clubfund.org/internal/token"
)

const (
	// DefaultFeeBps is the distribution fee in basis points (0.3%).
	DefaultFeeBps uint64 = 30

	// DefaultGracePeriod is how long after endTime the distributor keeps
	// exclusive control before anyone may force a full refund.
	DefaultGracePeriod = 14 * 24 * time.Hour

	// DefaultBaseURI prefixes the descriptive activity URI.
	DefaultBaseURI = "https://clubfund.org/api/activities/"
)

// Archiver persists activity snapshots. Best effort: the in-memory state
// machine stays authoritative and archive failures are logged, not surfaced.
type Archiver interface {
	SaveActivity(ctx context.Context, a Activity) error
}

// Config wires a Manager. Self is the escrow custody address; Payout
// defaults to Distributor when unset.
type Config struct {
	Self        addr.Address
	Admin       addr.Address
	Treasury    addr.Address
	Distributor addr.Address
	Payout      addr.Address

	FeeBps      uint64
	GracePeriod time.Duration
	BaseURI     string

	Tokens  token.Resolver
	Permits *permit.Authorizer
	Bus     *stream.Bus
	Archive Archiver
	Now     func() time.Time
}

// Manager is the activity escrow state machine.
type Manager struct {
	mu  sync.Mutex
	reg *Registry

	self        addr.Address
	admin       addr.Address
	treasury    addr.Address
	distributor addr.Address
	payout      addr.Address

	feeBps      uint64
	gracePeriod time.Duration
	baseURI     string

	tokens  token.Resolver
	permits *permit.Authorizer
	bus     *stream.Bus
	archive Archiver
	now     func() time.Time

	frozen map[uint64]bool
}

// NewManager constructs a Manager, filling unset config fields with
// defaults.
func NewManager(cfg Config) *Manager {
	if cfg.FeeBps == 0 {
		cfg.FeeBps = DefaultFeeBps
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BaseURI == "" {
		cfg.BaseURI = DefaultBaseURI
	}
	if cfg.Payout.IsZero() {
		cfg.Payout = cfg.Distributor
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		reg:         NewRegistry(),
		self:        cfg.Self,
		admin:       cfg.Admin,
		treasury:    cfg.Treasury,
		distributor: cfg.Distributor,
		payout:      cfg.Payout,
		feeBps:      cfg.FeeBps,
		gracePeriod: cfg.GracePeriod,
		baseURI:     cfg.BaseURI,
		tokens:      cfg.Tokens,
		permits:     cfg.Permits,
		bus:         cfg.Bus,
		archive:     cfg.Archive,
		now:         cfg.Now,
		frozen:      make(map[uint64]bool),
	}
}

// Treasury returns the fee recipient.
func (m *Manager) Treasury() addr.Address { return m.treasury }

// Distributor returns the principal allowed to call Distribute.
func (m *Manager) Distributor() addr.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distributor
}

// SetDistributor rotates the distribute principal. Admin only. The payout
// target follows the distributor unless it was configured separately.
func (m *Manager) SetDistributor(caller, next addr.Address) error {
	if caller != m.admin {
		return ErrNotAuthorized
	}
	if next.IsZero() {
		return token.ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payout == m.distributor {
		m.payout = next
	}
	m.distributor = next
	return nil
}

// Create allocates a new activity with zeroed totals. The token address may
// point at a not-yet-deployed token; deposits will fail until it resolves.
func (m *Manager) Create(ctx context.Context, owner, tokenAddr addr.Address, startTime, endTime int64) (uint64, error) {
	if owner.IsZero() || tokenAddr.IsZero() {
		return 0, token.ErrZeroAddress
	}
	if endTime <= startTime {
		return 0, ErrInvalidWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := &Activity{
		Owner:     owner,
		Token:     tokenAddr,
		StartTime: startTime,
		EndTime:   endTime,
		CreatedAt: m.now().UTC(),
	}
	id := m.reg.Allocate(a)
	m.publish(stream.Event{
		Type:       stream.TypeCreate,
		ActivityID: id,
		Owner:      owner,
		Token:      tokenAddr,
		StartTime:  startTime,
		EndTime:    endTime,
	})
	m.archiveActivity(ctx, *a)
	return id, nil
}

// CreateAndDeposit creates an activity and deposits into it atomically: if
// the deposit step fails nothing is persisted. The depositor is the caller
// moving the funds.
func (m *Manager) CreateAndDeposit(ctx context.Context, owner addr.Address, startTime, endTime int64, tokenAddr, depositor addr.Address, amount uint64) (uint64, error) {
	if owner.IsZero() || tokenAddr.IsZero() {
		return 0, token.ErrZeroAddress
	}
	if endTime <= startTime {
		return 0, ErrInvalidWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDepositWindow(startTime, endTime, amount); err != nil {
		return 0, err
	}
	ledger, err := m.tokens.Token(tokenAddr)
	if err != nil {
		return 0, err
	}
	return m.createAndDepositLocked(ctx, owner, startTime, endTime, tokenAddr, depositor, amount, ledger)
}

// CreateAndDepositWithPermit is CreateAndDeposit with the allowance granted
// by the permit instead of a prior approval. The permit's signer is the
// depositor. The permit is consumed only after every other guard passes, so
// a rejected call leaves the nonce and allowance untouched.
func (m *Manager) CreateAndDepositWithPermit(ctx context.Context, owner addr.Address, startTime, endTime int64, tokenAddr addr.Address, p permit.Permit) (uint64, error) {
	if owner.IsZero() || tokenAddr.IsZero() {
		return 0, token.ErrZeroAddress
	}
	if endTime <= startTime {
		return 0, ErrInvalidWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDepositWindow(startTime, endTime, p.Amount); err != nil {
		return 0, err
	}
	ledger, err := m.consumePermitLocked(ctx, tokenAddr, p)
	if err != nil {
		return 0, err
	}
	return m.createAndDepositLocked(ctx, owner, startTime, endTime, tokenAddr, p.Owner, p.Amount, ledger)
}

// Deposit moves amount from the depositor into escrow custody and grows the
// pool. Requires a prior allowance for the manager. Returns the new total.
func (m *Manager) Deposit(ctx context.Context, id uint64, depositor addr.Address, amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depositLocked(ctx, id, depositor, amount)
}

// DepositWithPermit deposits with authorization taken from the permit
// rather than a pre-existing allowance. All deposit guards run before the
// permit is consumed: a deposit that would be rejected must not burn the
// owner's nonce or raise the allowance.
func (m *Manager) DepositWithPermit(ctx context.Context, id uint64, tokenAddr addr.Address, p permit.Permit) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.reg.Get(id)
	if err != nil {
		return 0, err
	}
	if a.Token != tokenAddr {
		return 0, ErrTokenMismatch
	}
	if err := m.checkDepositOpen(a, p.Amount); err != nil {
		return 0, err
	}
	ledger, err := m.consumePermitLocked(ctx, tokenAddr, p)
	if err != nil {
		return 0, err
	}
	return m.applyDepositLocked(ctx, a, ledger, p.Owner, p.Amount)
}

// Distribute resolves the activity: amount (minus the fee) goes to the
// payout target, the fee to the treasury and the undistributed remainder
// back to the activity owner, all in one atomic step. Distributor only,
// window must be closed, at most once per activity.
func (m *Manager) Distribute(ctx context.Context, caller addr.Address, id uint64, amount uint64) (feeAmount, distributedAmount, refundedAmount uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.distributor {
		return 0, 0, 0, ErrNotAuthorized
	}
	a, err := m.reg.Get(id)
	if err != nil {
		return 0, 0, 0, err
	}
	if m.frozen[id] {
		return 0, 0, 0, ErrFrozen
	}
	now := m.now().Unix()
	if now <= a.EndTime {
		return 0, 0, 0, ErrWindowNotClosed
	}
	if a.Resolved {
		return 0, 0, 0, ErrAlreadyResolved
	}
	if amount > a.TotalAmount {
		return 0, 0, 0, ErrAmountExceedsPool
	}

	feeAmount = feeFor(amount, m.feeBps)
	distributedAmount = amount - feeAmount
	refundedAmount = a.TotalAmount - amount

	// The remainder is total minus amount by construction, so the three
	// outputs always sum to the pool with no rounding leakage.
	if feeAmount+distributedAmount+refundedAmount != a.TotalAmount {
		m.frozen[id] = true
		return 0, 0, 0, &InvariantError{ActivityID: id, Detail: "resolution outputs do not sum to pool"}
	}

	ledger, err := m.tokens.Token(a.Token)
	if err != nil {
		return 0, 0, 0, err
	}
	payouts := []struct {
		to     addr.Address
		amount uint64
	}{
		{m.payout, distributedAmount},
		{m.treasury, feeAmount},
		{a.Owner, refundedAmount},
	}
	if err := m.payAll(ctx, ledger, payouts); err != nil {
		return 0, 0, 0, err
	}

	a.FeeAmount = feeAmount
	a.DistributedAmount = distributedAmount
	a.RefundedAmount = refundedAmount
	a.Resolved = true

	m.publish(stream.Event{
		Type:              stream.TypeDistribute,
		ActivityID:        id,
		Token:             a.Token,
		FeeAmount:         feeAmount,
		DistributedAmount: distributedAmount,
		TotalAmount:       a.TotalAmount,
		Resolved:          true,
	})
	m.publish(stream.Event{
		Type:           stream.TypeRefund,
		ActivityID:     id,
		Token:          a.Token,
		Owner:          a.Owner,
		RefundedAmount: refundedAmount,
	})
	m.archiveActivity(ctx, *a)
	return feeAmount, distributedAmount, refundedAmount, nil
}

// Refund is the fallback path when the distributor never acts: after the
// grace period anyone may return the entire pool to the activity owner.
func (m *Manager) Refund(ctx context.Context, id uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.reg.Get(id)
	if err != nil {
		return 0, err
	}
	if m.frozen[id] {
		return 0, ErrFrozen
	}
	now := m.now().Unix()
	if now <= a.EndTime+int64(m.gracePeriod/time.Second) {
		return 0, ErrGracePeriodNotElapsed
	}
	if a.Resolved {
		return 0, ErrAlreadyResolved
	}

	if a.TotalAmount > 0 {
		ledger, err := m.tokens.Token(a.Token)
		if err != nil {
			return 0, err
		}
		if _, err := ledger.Transfer(ctx, m.self, a.Owner, a.TotalAmount); err != nil {
			return 0, err
		}
	}

	a.RefundedAmount = a.TotalAmount
	a.DistributedAmount = 0
	a.FeeAmount = 0
	a.Resolved = true

	m.publish(stream.Event{
		Type:           stream.TypeRefund,
		ActivityID:     id,
		Token:          a.Token,
		Owner:          a.Owner,
		RefundedAmount: a.RefundedAmount,
		Resolved:       true,
	})
	m.archiveActivity(ctx, *a)
	return a.RefundedAmount, nil
}

// GetActivity returns a snapshot of the activity record.
func (m *Manager) GetActivity(id uint64) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.reg.Get(id)
	if err != nil {
		return Activity{}, err
	}
	return *a, nil
}

// TotalSupply is the number of activities ever created.
func (m *Manager) TotalSupply() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.TotalSupply()
}

// BalanceOf is the number of activities created for owner.
func (m *Manager) BalanceOf(owner addr.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.OwnerCount(owner)
}

// TokenURI composes the descriptive identity URI for an activity.
func (m *Manager) TokenURI(id uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.reg.Get(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s/%d", m.baseURI, m.self, id), nil
}

// --- internals, caller holds m.mu ---

// checkDepositWindow rejects deposits outside [startTime, endTime] and zero
// amounts. Reads the clock once.
func (m *Manager) checkDepositWindow(startTime, endTime int64, amount uint64) error {
	now := m.now().Unix()
	if now < startTime || now > endTime {
		return ErrWindowClosed
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	return nil
}

// checkDepositOpen is checkDepositWindow against a stored activity, plus the
// frozen guard.
func (m *Manager) checkDepositOpen(a *Activity, amount uint64) error {
	if m.frozen[a.ID] {
		return ErrFrozen
	}
	return m.checkDepositWindow(a.StartTime, a.EndTime, amount)
}

// consumePermitLocked verifies and consumes the permit after every other
// deposit precondition has passed. The spender and balance checks run first
// so the only mutations after the nonce burns are the allowance and the
// transfer itself, which can no longer fail.
func (m *Manager) consumePermitLocked(ctx context.Context, tokenAddr addr.Address, p permit.Permit) (token.Ledger, error) {
	if p.Spender != m.self {
		return nil, ErrSpenderMismatch
	}
	ledger, err := m.tokens.Token(tokenAddr)
	if err != nil {
		return nil, err
	}
	bal, err := ledger.BalanceOf(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	if bal < p.Amount {
		return nil, token.ErrInsufficientFunds
	}
	if err := m.permits.VerifyAndConsume(ctx, tokenAddr, p); err != nil {
		return nil, err
	}
	return ledger, nil
}

// createAndDepositLocked persists a funded activity. Guards have passed;
// ledger is already resolved.
func (m *Manager) createAndDepositLocked(ctx context.Context, owner addr.Address, startTime, endTime int64, tokenAddr, depositor addr.Address, amount uint64, ledger token.Ledger) (uint64, error) {
	// Pull the funds before persisting anything: a failed deposit must
	// leave no activity behind.
	if _, err := ledger.TransferFrom(ctx, m.self, depositor, m.self, amount); err != nil {
		return 0, err
	}

	a := &Activity{
		Owner:       owner,
		Token:       tokenAddr,
		StartTime:   startTime,
		EndTime:     endTime,
		TotalAmount: amount,
		CreatedAt:   m.now().UTC(),
	}
	id := m.reg.Allocate(a)
	m.publish(stream.Event{
		Type:       stream.TypeCreate,
		ActivityID: id,
		Owner:      owner,
		Token:      tokenAddr,
		StartTime:  startTime,
		EndTime:    endTime,
	})
	m.publish(stream.Event{
		Type:        stream.TypeDeposit,
		ActivityID:  id,
		Token:       tokenAddr,
		Amount:      amount,
		TotalAmount: a.TotalAmount,
	})
	m.archiveActivity(ctx, *a)
	return id, nil
}

func (m *Manager) depositLocked(ctx context.Context, id uint64, depositor addr.Address, amount uint64) (uint64, error) {
	a, err := m.reg.Get(id)
	if err != nil {
		return 0, err
	}
	if err := m.checkDepositOpen(a, amount); err != nil {
		return 0, err
	}
	ledger, err := m.tokens.Token(a.Token)
	if err != nil {
		return 0, err
	}
	return m.applyDepositLocked(ctx, a, ledger, depositor, amount)
}

// applyDepositLocked moves the funds and records the deposit. Guards have
// passed.
func (m *Manager) applyDepositLocked(ctx context.Context, a *Activity, ledger token.Ledger, depositor addr.Address, amount uint64) (uint64, error) {
	if _, err := ledger.TransferFrom(ctx, m.self, depositor, m.self, amount); err != nil {
		return 0, err
	}

	a.TotalAmount += amount
	m.publish(stream.Event{
		Type:        stream.TypeDeposit,
		ActivityID:  a.ID,
		Token:       a.Token,
		Amount:      amount,
		TotalAmount: a.TotalAmount,
	})
	m.archiveActivity(ctx, *a)
	return a.TotalAmount, nil
}

// payAll executes the resolution transfers, compensating already-applied
// legs if a later one fails so the operation stays all-or-nothing.
func (m *Manager) payAll(ctx context.Context, ledger token.Ledger, payouts []struct {
	to     addr.Address
	amount uint64
}) error {
	done := 0
	for i, p := range payouts {
		if p.amount == 0 {
			done = i + 1
			continue
		}
		if _, err := ledger.Transfer(ctx, m.self, p.to, p.amount); err != nil {
			for j := 0; j < done; j++ {
				if payouts[j].amount == 0 {
					continue
				}
				if _, rbErr := ledger.Transfer(ctx, payouts[j].to, m.self, payouts[j].amount); rbErr != nil {
					return fmt.Errorf("rollback leg %d after %v: %w", j, err, rbErr)
				}
			}
			return err
		}
		done = i + 1
	}
	return nil
}

// feeFor computes amount * feeBps / 10000 without overflowing the 128-bit
// intermediate product. A basis-point rate at or above 100% takes the whole
// amount.
func feeFor(amount, feeBps uint64) uint64 {
	if feeBps >= 10_000 {
		return amount
	}
	hi, lo := bits.Mul64(amount, feeBps)
	fee, _ := bits.Div64(hi, lo, 10_000)
	return fee
}

func (m *Manager) publish(evt stream.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}

func (m *Manager) archiveActivity(ctx context.Context, a Activity) {
	if m.archive == nil {
		return
	}
	if err := m.archive.SaveActivity(ctx, a); err != nil {
		obs.LogRequest(map[string]any{
			"level":       "error",
			"msg":         "archive activity failed",
			"activity_id": a.ID,
			"error":       err.Error(),
		})
	}
}
