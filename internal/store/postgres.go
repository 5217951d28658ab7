package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/pool"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the engine tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pools (
			id           TEXT PRIMARY KEY,
			total_value  NUMERIC NOT NULL,
			locked_value NUMERIC NOT NULL,
			total_shares NUMERIC NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pool_shares (
			pool_id TEXT NOT NULL REFERENCES pools(id),
			owner   TEXT NOT NULL,
			shares  NUMERIC NOT NULL,
			PRIMARY KEY (pool_id, owner)
		);
		CREATE TABLE IF NOT EXISTS options (
			id                BIGINT PRIMARY KEY,
			owner             TEXT NOT NULL,
			kind              TEXT NOT NULL,
			settlement        TEXT NOT NULL,
			exercise_window   TEXT NOT NULL,
			pool_id           TEXT NOT NULL,
			strike            NUMERIC NOT NULL,
			quantity          NUMERIC NOT NULL,
			expiry            TIMESTAMPTZ NOT NULL,
			premium_paid      NUMERIC NOT NULL,
			collateral_locked NUMERIC NOT NULL,
			state             TEXT NOT NULL,
			payoff            NUMERIC NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			settled_at        TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS options_owner_idx ON options(owner);
		CREATE TABLE IF NOT EXISTS positions (
			owner       TEXT PRIMARY KEY,
			side        TEXT NOT NULL,
			margin      NUMERIC NOT NULL,
			entry_price NUMERIC NOT NULL,
			leverage    BIGINT NOT NULL,
			opened_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS fee_ledger (
			id          INT PRIMARY KEY,
			accrued     NUMERIC NOT NULL,
			distributed NUMERIC NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) SavePool(ctx context.Context, snap pool.Snapshot) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pools (id, total_value, locked_value, total_shares)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		   total_value = EXCLUDED.total_value,
		   locked_value = EXCLUDED.locked_value,
		   total_shares = EXCLUDED.total_shares`,
		snap.ID, snap.TotalValue.String(), snap.LockedValue.String(), snap.TotalShares.String(),
	)
	if err != nil {
		return err
	}

	// Replace the share set wholesale: the snapshot is the full state.
	if _, err := tx.Exec(ctx, `DELETE FROM pool_shares WHERE pool_id = $1`, snap.ID); err != nil {
		return err
	}
	for owner, sh := range snap.Shares {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pool_shares (pool_id, owner, shares) VALUES ($1, $2, $3::NUMERIC)`,
			snap.ID, owner, sh.String(),
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]pool.Snapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, total_value::TEXT, locked_value::TEXT, total_shares::TEXT
		 FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []pool.Snapshot
	for rows.Next() {
		var snap pool.Snapshot
		var totalS, lockedS, sharesS string
		if err := rows.Scan(&snap.ID, &totalS, &lockedS, &sharesS); err != nil {
			return nil, err
		}
		snap.TotalValue, _ = decimal.NewFromString(totalS)
		snap.LockedValue, _ = decimal.NewFromString(lockedS)
		snap.TotalShares, _ = decimal.NewFromString(sharesS)
		snap.Shares = make(map[string]decimal.Decimal)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range snaps {
		if err := s.loadShares(ctx, &snaps[i]); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

func (s *PostgresStore) loadShares(ctx context.Context, snap *pool.Snapshot) error {
	rows, err := s.db.Query(ctx,
		`SELECT owner, shares::TEXT FROM pool_shares WHERE pool_id = $1`, snap.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var owner, sharesS string
		if err := rows.Scan(&owner, &sharesS); err != nil {
			return err
		}
		snap.Shares[owner], _ = decimal.NewFromString(sharesS)
	}
	return rows.Err()
}

func (s *PostgresStore) SaveOption(ctx context.Context, o *derivative.Option) error {
	var settledAt *time.Time
	if o.SettledAt != nil {
		t := *o.SettledAt
		settledAt = &t
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO options (id, owner, kind, settlement, exercise_window, pool_id,
		                      strike, quantity, expiry, premium_paid, collateral_locked,
		                      state, payoff, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC,
		         $11::NUMERIC, $12, $13::NUMERIC, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   payoff = EXCLUDED.payoff,
		   settled_at = EXCLUDED.settled_at`,
		o.ID, o.Owner, string(o.Kind), string(o.Settlement), string(o.Window), o.Pool,
		o.Strike.String(), o.Quantity.String(), o.Expiry, o.PremiumPaid.String(),
		o.CollateralLocked.String(), string(o.State), o.Payoff.String(), o.CreatedAt, settledAt,
	)
	return err
}

func (s *PostgresStore) GetOption(ctx context.Context, id int64) (*derivative.Option, error) {
	o, err := scanOption(s.db.QueryRow(ctx, optionSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: option %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get option %d: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOptions(ctx context.Context) ([]derivative.Option, error) {
	rows, err := s.db.Query(ctx, optionSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []derivative.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		options = append(options, *o)
	}
	return options, rows.Err()
}

const optionSelect = `SELECT id, owner, kind, settlement, exercise_window, pool_id,
       strike::TEXT, quantity::TEXT, expiry, premium_paid::TEXT,
       collateral_locked::TEXT, state, payoff::TEXT, created_at, settled_at
  FROM options`

// pgxRow covers both pgx.Row and pgx.Rows for option scanning.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOption(row pgxRow) (*derivative.Option, error) {
	var o derivative.Option
	var kind, settlement, window, state string
	var strikeS, qtyS, premiumS, collateralS, payoffS string
	var settledAt *time.Time

	if err := row.Scan(&o.ID, &o.Owner, &kind, &settlement, &window, &o.Pool,
		&strikeS, &qtyS, &o.Expiry, &premiumS,
		&collateralS, &state, &payoffS, &o.CreatedAt, &settledAt); err != nil {
		return nil, err
	}

	o.Kind = derivative.OptionKind(kind)
	o.Settlement = derivative.SettlementMode(settlement)
	o.Window = derivative.ExerciseWindow(window)
	o.State = derivative.OptionState(state)
	o.Strike, _ = decimal.NewFromString(strikeS)
	o.Quantity, _ = decimal.NewFromString(qtyS)
	o.PremiumPaid, _ = decimal.NewFromString(premiumS)
	o.CollateralLocked, _ = decimal.NewFromString(collateralS)
	o.Payoff, _ = decimal.NewFromString(payoffS)
	o.SettledAt = settledAt

	return &o, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *derivative.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (owner, side, margin, entry_price, leverage, opened_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (owner) DO UPDATE SET
		   side = EXCLUDED.side,
		   margin = EXCLUDED.margin,
		   entry_price = EXCLUDED.entry_price,
		   leverage = EXCLUDED.leverage,
		   opened_at = EXCLUDED.opened_at`,
		p.Owner, string(p.Side), p.Margin.String(), p.EntryPrice.String(), p.Leverage, p.OpenedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, owner string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM positions WHERE owner = $1`, owner)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, owner string) (*derivative.Position, error) {
	var p derivative.Position
	var side, marginS, entryS string

	err := s.db.QueryRow(ctx,
		`SELECT owner, side, margin::TEXT, entry_price::TEXT, leverage, opened_at
		 FROM positions WHERE owner = $1`, owner).
		Scan(&p.Owner, &side, &marginS, &entryS, &p.Leverage, &p.OpenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position for %s", ErrNotFound, owner)
		}
		return nil, fmt.Errorf("get position %s: %w", owner, err)
	}

	p.Side = derivative.Side(side)
	p.Margin, _ = decimal.NewFromString(marginS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)

	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]derivative.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT owner, side, margin::TEXT, entry_price::TEXT, leverage, opened_at
		 FROM positions ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []derivative.Position
	for rows.Next() {
		var p derivative.Position
		var side, marginS, entryS string
		if err := rows.Scan(&p.Owner, &side, &marginS, &entryS, &p.Leverage, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.Side = derivative.Side(side)
		p.Margin, _ = decimal.NewFromString(marginS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SaveFees(ctx context.Context, snap fees.Snapshot) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO fee_ledger (id, accrued, distributed)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		   accrued = EXCLUDED.accrued,
		   distributed = EXCLUDED.distributed`,
		snap.Accrued.String(), snap.Distributed.String(),
	)
	return err
}

func (s *PostgresStore) GetFees(ctx context.Context) (fees.Snapshot, error) {
	var accruedS, distributedS string
	err := s.db.QueryRow(ctx,
		`SELECT accrued::TEXT, distributed::TEXT FROM fee_ledger WHERE id = 1`).
		Scan(&accruedS, &distributedS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fees.Snapshot{Accrued: decimal.Zero, Distributed: decimal.Zero}, nil
		}
		return fees.Snapshot{}, err
	}

	var snap fees.Snapshot
	snap.Accrued, _ = decimal.NewFromString(accruedS)
	snap.Distributed, _ = decimal.NewFromString(distributedS)
	return snap, nil
}
