package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LevTrade/internal/event"
	"LevTrade/internal/position"
	"LevTrade/internal/venue"

	"github.com/holiman/uint256"
)

// Store reads and writes the engine's durable state: position rows, the
// append-only event log, pair lending configs, and the caller allow-list.
// Batch writes use multi-row INSERT; switch to pgx CopyFrom if the event
// log ever becomes the bottleneck.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for transaction control.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EventRow is one row of engine.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PairID         string
	Payload        []byte
	Timestamp      time.Time
}

// RowFromEnvelope converts an engine envelope for storage.
func RowFromEnvelope(env *event.Envelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		PairID:         env.PairID,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	}
}

// WriteEventBatch appends events idempotently: replayed sequences are
// no-ops, so a crash between flush and ack never duplicates rows.
func (s *Store) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO engine.events
		(sequence, event_type, idempotency_key, pair_id, payload, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)
	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PairID, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertPositionBatch writes position rows, last write wins per id. The
// engine serializes lifecycle transitions, so version monotonicity holds
// by construction.
func (s *Store) UpsertPositionBatch(ctx context.Context, tx *sql.Tx, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	query := `INSERT INTO engine.positions
		(id, participant, wallet, borrow_pair, trade_pair,
		 collateral_asset, bridge_asset, target_asset,
		 collateral_amount, borrowed_amount, target_holding,
		 leverage, fee_rate_bps, entry_price, min_target_out,
		 opened_at, closed_at, status, version)
		VALUES `

	const cols = 19
	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*cols)
	for i, p := range positions {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")

		var closedAt sql.NullTime
		if p.ClosedAt != nil {
			closedAt = sql.NullTime{Time: *p.ClosedAt, Valid: true}
		}
		args = append(args,
			p.ID, p.Participant, p.Wallet, p.BorrowPair.ID(), p.TradePair.ID(),
			p.CollateralAsset, p.BridgeAsset, p.TargetAsset,
			p.CollateralAmount, p.BorrowedAmount, p.TargetHolding,
			p.Leverage, p.FeeRateBps, p.EntryPrice.Dec(), p.MinTargetOut,
			p.OpenedAt, closedAt, p.Status.String(), p.Version,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		target_holding = EXCLUDED.target_holding,
		closed_at = EXCLUDED.closed_at,
		status = EXCLUDED.status,
		version = EXCLUDED.version
		WHERE engine.positions.version < EXCLUDED.version`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadOpenPositions returns every position still open, for startup
// recovery.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant, wallet, borrow_pair, trade_pair,
		       collateral_asset, bridge_asset, target_asset,
		       collateral_amount, borrowed_amount, target_holding,
		       leverage, fee_rate_bps, entry_price, min_target_out,
		       opened_at, closed_at, status, version
		FROM engine.positions
		WHERE status = 'Open'
		ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (*position.Position, error) {
	var (
		p          position.Position
		borrowPair string
		tradePair  string
		entryPrice string
		closedAt   sql.NullTime
		status     string
	)
	err := rows.Scan(
		&p.ID, &p.Participant, &p.Wallet, &borrowPair, &tradePair,
		&p.CollateralAsset, &p.BridgeAsset, &p.TargetAsset,
		&p.CollateralAmount, &p.BorrowedAmount, &p.TargetHolding,
		&p.Leverage, &p.FeeRateBps, &entryPrice, &p.MinTargetOut,
		&p.OpenedAt, &closedAt, &status, &p.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}

	if p.BorrowPair, err = venue.ParsePairID(borrowPair); err != nil {
		return nil, err
	}
	if p.TradePair, err = venue.ParsePairID(tradePair); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = uint256.FromDecimal(entryPrice); err != nil {
		return nil, fmt.Errorf("parse entry price %q: %w", entryPrice, err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if p.Status, err = position.ParseStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

// PairConfigRow is engine.pair_configs plus the restored debt counter.
type PairConfigRow struct {
	PairID      string
	Active      bool
	MaxLend     int64
	MaxLeverage int64
	FeeRateBps  int64
	Debt        int64
}

// UpsertPairConfig writes a pair's lending configuration and its current
// outstanding-debt counter.
func (s *Store) UpsertPairConfig(ctx context.Context, row PairConfigRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine.pair_configs
			(pair_id, active, max_lend, max_leverage, fee_rate_bps, outstanding_debt, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pair_id) DO UPDATE SET
			active = EXCLUDED.active,
			max_lend = EXCLUDED.max_lend,
			max_leverage = EXCLUDED.max_leverage,
			fee_rate_bps = EXCLUDED.fee_rate_bps,
			outstanding_debt = EXCLUDED.outstanding_debt,
			updated_at = now()`,
		row.PairID, row.Active, row.MaxLend, row.MaxLeverage, row.FeeRateBps, row.Debt)
	return err
}

// UpdatePairDebt refreshes only the outstanding-debt counter.
func (s *Store) UpdatePairDebt(ctx context.Context, pairID string, debt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE engine.pair_configs SET outstanding_debt = $2, updated_at = now()
		WHERE pair_id = $1`, pairID, debt)
	return err
}

// LoadPairConfigs returns all pair configurations with their debt
// counters.
func (s *Store) LoadPairConfigs(ctx context.Context) ([]PairConfigRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, active, max_lend, max_leverage, fee_rate_bps, outstanding_debt
		FROM engine.pair_configs`)
	if err != nil {
		return nil, fmt.Errorf("query pair configs: %w", err)
	}
	defer rows.Close()

	var out []PairConfigRow
	for rows.Next() {
		var r PairConfigRow
		if err := rows.Scan(&r.PairID, &r.Active, &r.MaxLend, &r.MaxLeverage, &r.FeeRateBps, &r.Debt); err != nil {
			return nil, fmt.Errorf("scan pair config: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCaller writes one caller allow-list entry.
func (s *Store) UpsertCaller(ctx context.Context, caller string, allowed bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine.callers (caller_id, allowed, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (caller_id) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			updated_at = now()`, caller, allowed)
	return err
}

// LoadCallers returns the persisted allow-list.
func (s *Store) LoadCallers(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT caller_id, allowed FROM engine.callers`)
	if err != nil {
		return nil, fmt.Errorf("query callers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			caller  string
			allowed bool
		)
		if err := rows.Scan(&caller, &allowed); err != nil {
			return nil, fmt.Errorf("scan caller: %w", err)
		}
		out[caller] = allowed
	}
	return out, rows.Err()
}

// LastSequence returns the highest persisted event sequence, the restart
// point for the engine's sequence counter.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM engine.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return seq.Int64, nil
}
