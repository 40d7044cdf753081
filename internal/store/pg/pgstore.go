// Package pg archives activity snapshots and factory records to Postgres.
// The in-memory state machine stays authoritative; this store exists so
// activities survive restarts and can be queried by off-process tooling.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/escrow"
	"clubfund.org/internal/factory"
)

type Store struct {
	db *sql.DB
}

var _ escrow.Archiver = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SaveActivity upserts the current snapshot of an activity.
func (s *Store) SaveActivity(ctx context.Context, a escrow.Activity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into activities(
			id, owner, token, start_time, end_time,
			total_amount, distributed_amount, fee_amount, refunded_amount,
			resolved, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		on conflict (id) do update set
			total_amount = excluded.total_amount,
			distributed_amount = excluded.distributed_amount,
			fee_amount = excluded.fee_amount,
			refunded_amount = excluded.refunded_amount,
			resolved = excluded.resolved,
			updated_at = now()
	`,
		int64(a.ID), a.Owner.String(), a.Token.String(), a.StartTime, a.EndTime,
		int64(a.TotalAmount), int64(a.DistributedAmount), int64(a.FeeAmount), int64(a.RefundedAmount),
		a.Resolved, a.CreatedAt,
	)
	return err
}

// SaveDeployment records a factory deployment. Records are immutable; a
// conflicting insert is a no-op.
func (s *Store) SaveDeployment(ctx context.Context, rec factory.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into deployments(owner, token, name, symbol, created_at)
		values ($1,$2,$3,$4, now())
		on conflict (owner) do nothing
	`, rec.Owner.String(), rec.Token.String(), rec.Name, rec.Symbol)
	return err
}

// Activity loads an archived snapshot by id.
func (s *Store) Activity(ctx context.Context, id uint64) (escrow.Activity, error) {
	var (
		a          escrow.Activity
		rowID      int64
		owner, tok string
		total      int64
		dist       int64
		fee        int64
		refunded   int64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, owner, token, start_time, end_time,
		       total_amount, distributed_amount, fee_amount, refunded_amount,
		       resolved, created_at
		from activities where id = $1
	`, int64(id)).Scan(
		&rowID, &owner, &tok, &a.StartTime, &a.EndTime,
		&total, &dist, &fee, &refunded,
		&a.Resolved, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Activity{}, escrow.ErrUnknownActivity
	}
	if err != nil {
		return escrow.Activity{}, err
	}
	a.ID = uint64(rowID)
	a.TotalAmount = uint64(total)
	a.DistributedAmount = uint64(dist)
	a.FeeAmount = uint64(fee)
	a.RefundedAmount = uint64(refunded)
	if a.Owner, err = addr.Parse(owner); err != nil {
		return escrow.Activity{}, err
	}
	if a.Token, err = addr.Parse(tok); err != nil {
		return escrow.Activity{}, err
	}
	return a, nil
}
