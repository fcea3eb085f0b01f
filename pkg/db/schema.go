package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    risk_level TEXT NOT NULL DEFAULT 'medium',
    exchange TEXT NOT NULL DEFAULT '',
    exchange_connected BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_type TEXT NOT NULL,
    name TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    key_version INTEGER DEFAULT 1,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    token TEXT NOT NULL,
    price REAL NOT NULL,
    risk_level TEXT NOT NULL,
    risk_score REAL DEFAULT 0,
    link TEXT DEFAULT '',
    positives TEXT DEFAULT '[]',
    warnings TEXT DEFAULT '[]',
    auto_executed INTEGER DEFAULT 0,
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS last_signal_tokens (
    user_id TEXT NOT NULL,
    token TEXT NOT NULL,
    notified_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, token)
);

-- One manual decision per (user, signal). The sweep never auto-executes
-- for a user with a row here.
CREATE TABLE IF NOT EXISTS signal_actions (
    user_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    action TEXT NOT NULL,
    percentage REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, signal_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    signal_id TEXT DEFAULT '',
    cycle_id TEXT DEFAULT '',
    direction TEXT NOT NULL,
    token TEXT NOT NULL,
    price REAL NOT NULL,
    amount REAL NOT NULL,
    status TEXT NOT NULL,
    auto_executed INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token TEXT NOT NULL,
    state TEXT NOT NULL,
    entry_trade_id TEXT NOT NULL,
    exit_trade_id TEXT DEFAULT '',
    entry_price REAL NOT NULL,
    entry_amount REAL NOT NULL,
    exit_price REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    pnl_percentage REAL DEFAULT 0,
    guidance TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- The single-open-cycle invariant: at most one cycle per (user, token)
-- may be in an open state at any time.
CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_open
    ON cycles(user_id, token) WHERE state IN ('entry', 'hold');

CREATE TABLE IF NOT EXISTS cycle_partial_exits (
    id TEXT PRIMARY KEY,
    cycle_id TEXT NOT NULL,
    percentage REAL NOT NULL,
    price REAL NOT NULL,
    amount REAL NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(cycle_id) REFERENCES cycles(id)
);

CREATE TABLE IF NOT EXISTS portfolios (
    user_id TEXT PRIMARY KEY,
    total_value REAL DEFAULT 0,
    free_capital REAL DEFAULT 0,
    allocated_capital REAL DEFAULT 0,
    refreshed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS holdings (
    user_id TEXT NOT NULL,
    token TEXT NOT NULL,
    amount REAL NOT NULL,
    average_price REAL DEFAULT 0,
    current_price REAL DEFAULT 0,
    value REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    pnl_percentage REAL DEFAULT 0,
    PRIMARY KEY (user_id, token)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "signals", "risk_score", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "auto_executed", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "cycles", "guidance", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "users", "exchange", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
