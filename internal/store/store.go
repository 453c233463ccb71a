// Package store provides crash-safe persistence of trade records in SQLite.
//
// The database is the bot's source of truth across restarts: every leg of an
// atomic pair gets one row, written before control returns to the scheduler,
// and the reconciler rebuilds lifecycle state from these rows on startup.
//
// Concurrency contract: WAL journal mode, one writer at a time (a single
// pooled connection), readers proceed concurrently with writes. All writes go
// through explicit transactions; nested writes reuse the caller's *sql.Tx so
// a single-writer store can never self-deadlock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"polymarket-hedger/pkg/types"
)

var (
	// ErrConflict means a row with the same (pair_id, role) already exists.
	ErrConflict = errors.New("trade record already exists")

	// ErrNotFound means no trade record matches the given id.
	ErrNotFound = errors.New("trade record not found")
)

// Store persists TradeRecords in a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and configures WAL mode.
// Call Migrate before first use.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	// Single writer; WAL still lets readers run against the last commit.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %q: %w", path, err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction runs fn inside a single transaction: commit on nil, rollback on
// error. Writes made inside fn must go through the supplied *sql.Tx (use the
// *Tx method variants), never through a second connection.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertTradeRecord appends a new record in its own transaction and returns
// the assigned id. Fails with ErrConflict if (pairID, role) already exists.
func (s *Store) InsertTradeRecord(ctx context.Context, rec *types.TradeRecord) (int64, error) {
	var id int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.InsertTradeRecordTx(ctx, tx, rec)
		return err
	})
	return id, err
}

// InsertTradeRecordTx is InsertTradeRecord against a caller-owned transaction.
func (s *Store) InsertTradeRecordTx(ctx context.Context, tx *sql.Tx, rec *types.TradeRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades
			(pair_id, role, symbol, condition_id, token_id, window_start, window_end,
			 side, entry_price, intended_size, filled_size, bet_collateral,
			 order_id, order_status, outcome, exit_price, pnl,
			 signal_confidence, signal_bias, signal_pyes, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PairID, string(rec.Role), rec.Symbol, rec.ConditionID, rec.TokenID,
		rec.WindowStart.UTC(), rec.WindowEnd.UTC(),
		string(rec.Side), rec.EntryPrice.String(), rec.IntendedSize.String(),
		rec.FilledSize.String(), rec.BetCollateral.String(),
		rec.OrderID, string(rec.OrderStatus), string(rec.Outcome),
		rec.ExitPrice.String(), rec.PnL.String(),
		rec.SignalConfidence, string(rec.SignalBias), rec.SignalPYes,
		rec.CreatedAt.UTC(), nullableTime(rec.SettledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("pair %s role %s: %w", rec.PairID, rec.Role, ErrConflict)
		}
		return 0, fmt.Errorf("insert trade record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// TradePatch is a partial update of a trade record. Nil fields are untouched.
type TradePatch struct {
	FilledSize  *decimal.Decimal
	OrderID     *string
	OrderStatus *types.OrderStatus
	Outcome     *types.Outcome
	ExitPrice   *decimal.Decimal
	PnL         *decimal.Decimal
	SettledAt   *time.Time
}

// UpdateTradeRecord applies a patch in its own transaction.
// Fails with ErrNotFound if the id does not exist.
func (s *Store) UpdateTradeRecord(ctx context.Context, id int64, patch TradePatch) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.UpdateTradeRecordTx(ctx, tx, id, patch)
	})
}

// UpdateTradeRecordTx is UpdateTradeRecord against a caller-owned transaction.
func (s *Store) UpdateTradeRecordTx(ctx context.Context, tx *sql.Tx, id int64, patch TradePatch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)

	if patch.FilledSize != nil {
		sets = append(sets, "filled_size = ?")
		args = append(args, patch.FilledSize.String())
	}
	if patch.OrderID != nil {
		sets = append(sets, "order_id = ?")
		args = append(args, *patch.OrderID)
	}
	if patch.OrderStatus != nil {
		sets = append(sets, "order_status = ?")
		args = append(args, string(*patch.OrderStatus))
	}
	if patch.Outcome != nil {
		sets = append(sets, "outcome = ?")
		args = append(args, string(*patch.Outcome))
	}
	if patch.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, patch.ExitPrice.String())
	}
	if patch.PnL != nil {
		sets = append(sets, "pnl = ?")
		args = append(args, patch.PnL.String())
	}
	if patch.SettledAt != nil {
		sets = append(sets, "settled_at = ?")
		args = append(args, patch.SettledAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := tx.ExecContext(ctx,
		"UPDATE trades SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update trade record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("trade record %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetTradeRecord fetches one record by id.
func (s *Store) GetTradeRecord(ctx context.Context, id int64) (*types.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, selectTrades+" WHERE id = ?", id)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade record %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListOpenTrades returns all records whose outcome is OPEN or HEDGED_COMPLETE
// or a keeper/hold-through still awaiting resolution — everything the
// reconciler must look at after a restart.
func (s *Store) ListOpenTrades(ctx context.Context) ([]types.TradeRecord, error) {
	return s.listWhere(ctx, `outcome IN (?, ?, ?, ?)`,
		string(types.OutcomeOpen), string(types.OutcomeHedgedComplete),
		string(types.OutcomePreSettledKeeper), string(types.OutcomeHoldThrough))
}

// ListPair returns both legs sharing a pair id, entry leg first.
func (s *Store) ListPair(ctx context.Context, pairID string) ([]types.TradeRecord, error) {
	return s.listWhere(ctx, "pair_id = ? ORDER BY role ASC", pairID)
}

// ListWindowTrades returns all legs placed for one (symbol, window).
func (s *Store) ListWindowTrades(ctx context.Context, symbol string, windowStart time.Time) ([]types.TradeRecord, error) {
	return s.listWhere(ctx, "symbol = ? AND window_start = ?", symbol, windowStart.UTC())
}

// OpenExposure sums bet_collateral across all OPEN records. The risk
// tracker reads this before every new pair so exposure survives restarts.
func (s *Store) OpenExposure(ctx context.Context) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT bet_collateral FROM trades WHERE outcome = ?", string(types.OutcomeOpen))
	if err != nil {
		return decimal.Zero, fmt.Errorf("open exposure: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan exposure: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse collateral %q: %w", raw, err)
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

const selectTrades = `
	SELECT id, pair_id, role, symbol, condition_id, token_id,
	       window_start, window_end, side, entry_price, intended_size,
	       filled_size, bet_collateral, order_id, order_status, outcome,
	       exit_price, pnl, signal_confidence, signal_bias, signal_pyes,
	       created_at, settled_at
	FROM trades`

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectTrades+" WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*types.TradeRecord, error) {
	var (
		rec                     types.TradeRecord
		role, side, status, out string
		bias                    string
		entry, size, filled     string
		collateral, exit, pnl   string
		settled                 sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.PairID, &role, &rec.Symbol, &rec.ConditionID, &rec.TokenID,
		&rec.WindowStart, &rec.WindowEnd, &side, &entry, &size,
		&filled, &collateral, &rec.OrderID, &status, &out,
		&exit, &pnl, &rec.SignalConfidence, &bias, &rec.SignalPYes,
		&rec.CreatedAt, &settled,
	)
	if err != nil {
		return nil, err
	}

	rec.Role = types.LegRole(role)
	rec.Side = types.MarketSide(side)
	rec.OrderStatus = types.OrderStatus(status)
	rec.Outcome = types.Outcome(out)
	rec.SignalBias = types.MarketSide(bias)
	if settled.Valid {
		rec.SettledAt = settled.Time
	}

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{entry, &rec.EntryPrice},
		{size, &rec.IntendedSize},
		{filled, &rec.FilledSize},
		{collateral, &rec.BetCollateral},
		{exit, &rec.ExitPrice},
		{pnl, &rec.PnL},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	return &rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation detects a UNIQUE constraint failure without depending on
// driver-internal error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
