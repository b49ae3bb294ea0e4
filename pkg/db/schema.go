package db

import (
	"database/sql"
	"fmt"
)

// Money and quantity columns hold decimal strings.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
    tag TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    quantity TEXT NOT NULL,
    avg_entry_price TEXT NOT NULL,
    entry_fee TEXT NOT NULL DEFAULT '0',
    stop_loss TEXT,
    take_profit TEXT,
    intent TEXT NOT NULL DEFAULT 'DAY',
    strategy_version TEXT NOT NULL DEFAULT '',
    opened_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol, opened_at);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    exit_price TEXT NOT NULL,
    entry_fee TEXT NOT NULL,
    exit_fee TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    close_reason TEXT NOT NULL,
    strategy_version TEXT NOT NULL DEFAULT '',
    opened_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_counters (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    day TEXT NOT NULL,
    daily_pnl TEXT NOT NULL DEFAULT '0',
    daily_trade_count INTEGER NOT NULL DEFAULT 0,
    fees_today TEXT NOT NULL DEFAULT '0',
    daily_start_value TEXT NOT NULL DEFAULT '0',
    consecutive_losses INTEGER NOT NULL DEFAULT 0,
    peak_portfolio_value TEXT NOT NULL DEFAULT '0',
    halts TEXT NOT NULL DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    day TEXT PRIMARY KEY,
    start_value TEXT NOT NULL,
    end_value TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    trade_count INTEGER NOT NULL,
    fees TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tag_sequences (
    symbol TEXT PRIMARY KEY,
    seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conditional_orders (
    exchange_order_id TEXT PRIMARY KEY,
    position_tag TEXT NOT NULL,
    symbol TEXT NOT NULL,
    order_type TEXT NOT NULL,
    trigger_price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conditional_tag ON conditional_orders(position_tag, status);

CREATE TABLE IF NOT EXISTS pending_orders (
    order_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL DEFAULT '',
    tag TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    stop_loss TEXT,
    take_profit TEXT,
    intent TEXT NOT NULL DEFAULT 'DAY',
    strategy_version TEXT NOT NULL DEFAULT '',
    submitted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_flows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    amount TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    findings INTEGER NOT NULL,
    report TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    topic TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_topic ON event_log(topic, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "positions", "max_adverse_excursion", "TEXT NOT NULL DEFAULT '0'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "max_adverse_excursion", "TEXT NOT NULL DEFAULT '0'"); err != nil {
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
