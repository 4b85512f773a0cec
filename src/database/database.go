package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/logger"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// OpenSQLite opens the database file and returns a factory producing pool
// handles. The sql.DB keeps no idle connections of its own: closing a handle
// closes the underlying connection, so the Pool alone decides reuse.
func OpenSQLite(databasePath string, busyTimeout time.Duration) (*sql.DB, ConnFactory, error) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database at %s: %w", databasePath, err)
	}
	db.SetMaxIdleConns(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
	}

	factory := func(ctx context.Context) (*sql.Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		for _, pragma := range pragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("configuring connection (%s): %w", pragma, err)
			}
		}
		return conn, nil
	}

	logger.L.Info("SQLite database opened", "databasePath", databasePath, "busyTimeout", busyTimeout)
	return db, factory, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	isin TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	instrument_id INTEGER NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	price TEXT NOT NULL,
	fees TEXT NOT NULL DEFAULT '0',
	date TEXT NOT NULL,
	created_seq INTEGER NOT NULL,
	FOREIGN KEY(instrument_id) REFERENCES instruments(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_ledger
	ON transactions(user_id, instrument_id, date, created_seq);

CREATE TABLE IF NOT EXISTS realized_gains (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	buy_transaction_id INTEGER NOT NULL,
	sell_transaction_id INTEGER NOT NULL,
	instrument_id INTEGER NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	buy_unit_cost TEXT NOT NULL,
	sell_unit_cost TEXT NOT NULL,
	buy_date TEXT NOT NULL,
	sell_date TEXT NOT NULL,
	holding_days INTEGER NOT NULL CHECK (holding_days >= 0),
	gain_amount TEXT NOT NULL,
	classification TEXT NOT NULL CHECK (classification IN ('SHORT', 'LONG')),
	tax_rate TEXT NOT NULL,
	fiscal_year TEXT NOT NULL,
	FOREIGN KEY(buy_transaction_id) REFERENCES transactions(id),
	FOREIGN KEY(sell_transaction_id) REFERENCES transactions(id)
);

CREATE INDEX IF NOT EXISTS idx_realized_gains_instrument
	ON realized_gains(user_id, instrument_id, sell_date);
CREATE INDEX IF NOT EXISTS idx_realized_gains_buy
	ON realized_gains(buy_transaction_id);
CREATE INDEX IF NOT EXISTS idx_realized_gains_fiscal_year
	ON realized_gains(user_id, fiscal_year);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	transaction_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	changes TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_transaction
	ON audit_log(transaction_id, created_at);
`

// EnsureSchema creates the ledger tables if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *Pool) error {
	err := pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		logger.L.Error("failed to create tables", "error", err)
		return fmt.Errorf("failed to create tables: %w", err)
	}
	logger.L.Info("Database tables ensured/created.")
	return nil
}

// CheckIntegrity runs SQLite's quick_check and fails with ErrStorageIntegrity
// on any finding.
func CheckIntegrity(ctx context.Context, pool *Pool) error {
	return pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "PRAGMA quick_check")
		if err != nil {
			return fmt.Errorf("running quick_check: %w", err)
		}
		defer rows.Close()

		var findings []string
		for rows.Next() {
			var line string
			if err := rows.Scan(&line); err != nil {
				return fmt.Errorf("scanning quick_check result: %w", err)
			}
			if line != "ok" {
				findings = append(findings, line)
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating quick_check result: %w", err)
		}
		if len(findings) > 0 {
			return fmt.Errorf("%w: %v", apperrors.ErrStorageIntegrity, findings)
		}
		return nil
	})
}

// isBusy reports whether err is SQLite giving up on a lock after busy_timeout.
func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
