// migrations.go holds the ordered, append-only schema migration list.
//
// Rules: a migration runs at most once (its version is recorded in
// schema_version inside the same transaction), is never reversed, and is
// never edited after it has shipped. Columns are never renamed or dropped;
// an obsolete column simply stops being written. Each step checks before
// altering so a re-run after a partial failure is harmless.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create trades table",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS trades (
					id             INTEGER PRIMARY KEY AUTOINCREMENT,
					pair_id        TEXT     NOT NULL,
					role           TEXT     NOT NULL,
					symbol         TEXT     NOT NULL,
					condition_id   TEXT     NOT NULL,
					token_id       TEXT     NOT NULL,
					window_start   DATETIME NOT NULL,
					window_end     DATETIME NOT NULL,
					side           TEXT     NOT NULL,
					entry_price    TEXT     NOT NULL,
					intended_size  TEXT     NOT NULL,
					filled_size    TEXT     NOT NULL DEFAULT '0',
					bet_collateral TEXT     NOT NULL DEFAULT '0',
					order_id       TEXT     NOT NULL DEFAULT '',
					order_status   TEXT     NOT NULL,
					outcome        TEXT     NOT NULL,
					exit_price     TEXT     NOT NULL DEFAULT '0',
					pnl            TEXT     NOT NULL DEFAULT '0',
					created_at     DATETIME NOT NULL,
					settled_at     DATETIME,
					UNIQUE (pair_id, role)
				);
				CREATE INDEX IF NOT EXISTS idx_trades_outcome ON trades(outcome);
				CREATE INDEX IF NOT EXISTS idx_trades_window  ON trades(symbol, window_start);
			`)
			return err
		},
	},
	{
		version: 2,
		name:    "add signal snapshot columns",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			for col, def := range map[string]string{
				"signal_confidence": "REAL NOT NULL DEFAULT 0",
				"signal_bias":       "TEXT NOT NULL DEFAULT 'NEUTRAL'",
				"signal_pyes":       "REAL NOT NULL DEFAULT 0.5",
			} {
				ok, err := columnExists(ctx, tx, "trades", col)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("ALTER TABLE trades ADD COLUMN %s %s", col, def)); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Migrate applies every registered migration that has not run yet, in order.
// Running it twice is equivalent to running it once.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.Transaction(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("migration applied", "version", m.version, "name", m.name)
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("schema version %d is ahead of binary (max %d): refusing to run", current, latest)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
