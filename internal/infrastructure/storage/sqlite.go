package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/transdsign-boop/byliquidation/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			qty REAL NOT NULL,
			gross_pnl REAL NOT NULL,
			open_fee REAL NOT NULL DEFAULT 0,
			close_fee REAL NOT NULL DEFAULT 0,
			net_pnl REAL NOT NULL,
			exit_type TEXT NOT NULL,
			entry_is_maker BOOLEAN NOT NULL DEFAULT 0,
			exit_is_maker BOOLEAN NOT NULL DEFAULT 0,
			close_order_id TEXT,
			settled BOOLEAN NOT NULL DEFAULT 0,
			open_time DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol, closed_at);`,
		`CREATE TABLE IF NOT EXISTS consumed_orders (
			order_id TEXT PRIMARY KEY,
			consumed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// TradeRepository implementation

func (s *SQLiteStore) SaveClosedTrade(ctx context.Context, t *domain.ClosedTrade) (int64, error) {
	query := `INSERT INTO closed_trades
		(symbol, side, entry_price, exit_price, qty, gross_pnl, open_fee, close_fee, net_pnl,
		 exit_type, entry_is_maker, exit_is_maker, close_order_id, settled, open_time, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		t.Symbol, t.Side, t.EntryPrice, t.ExitPrice, t.Qty, t.GrossPnL, t.OpenFee, t.CloseFee, t.NetPnL,
		t.ExitType, t.EntryIsMaker, t.ExitIsMaker, t.CloseOrderID, t.Settled, t.OpenTime, t.ClosedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// UpdateClosedTrade repairs an existing record in place, keyed by id.
func (s *SQLiteStore) UpdateClosedTrade(ctx context.Context, t *domain.ClosedTrade) error {
	query := `UPDATE closed_trades SET
		exit_price = ?, gross_pnl = ?, open_fee = ?, close_fee = ?, net_pnl = ?,
		entry_is_maker = ?, exit_is_maker = ?, close_order_id = ?, settled = ?
		WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		t.ExitPrice, t.GrossPnL, t.OpenFee, t.CloseFee, t.NetPnL,
		t.EntryIsMaker, t.ExitIsMaker, t.CloseOrderID, t.Settled, t.ID)
	return err
}

const closedTradeColumns = `id, symbol, side, entry_price, exit_price, qty, gross_pnl,
	open_fee, close_fee, net_pnl, exit_type, entry_is_maker, exit_is_maker,
	close_order_id, settled, open_time, closed_at`

func (s *SQLiteStore) ListClosedTrades(ctx context.Context, limit int) ([]*domain.ClosedTrade, error) {
	query := `SELECT ` + closedTradeColumns + ` FROM closed_trades ORDER BY closed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClosedTrades(rows)
}

func (s *SQLiteStore) ListClosedTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.ClosedTrade, error) {
	query := `SELECT ` + closedTradeColumns + ` FROM closed_trades WHERE symbol = ? ORDER BY closed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClosedTrades(rows)
}

func scanClosedTrades(rows *sql.Rows) ([]*domain.ClosedTrade, error) {
	var trades []*domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var closeOrderID sql.NullString
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Qty, &t.GrossPnL,
			&t.OpenFee, &t.CloseFee, &t.NetPnL, &t.ExitType, &t.EntryIsMaker, &t.ExitIsMaker,
			&closeOrderID, &t.Settled, &t.OpenTime, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.CloseOrderID = closeOrderID.String
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) MarkOrderConsumed(ctx context.Context, orderID string, at time.Time) error {
	query := `INSERT INTO consumed_orders (order_id, consumed_at) VALUES (?, ?)
		ON CONFLICT(order_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, orderID, at)
	return err
}

func (s *SQLiteStore) IsOrderConsumed(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM consumed_orders WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
