package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

// Repository implements ports.TradeRepository using SQLite. It is a
// write-through journal: the bot never reads run state back from it.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/bitbot.db"
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), "SQLite repository initialization failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), "SQLite repository initialization failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), "SQLite repository initialization failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), "SQLite repository initialization failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		pnl REAL NOT NULL,
		fee_estimate REAL NOT NULL DEFAULT 0,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL,
		liquidated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_exit_time ON trade_history (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (position_id, symbol, side, entry_price, exit_price, quantity,
	                           leverage, pnl, fee_estimate, entry_time, exit_time, close_reason, liquidated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var positionID sql.NullString
	if trade.PositionID != "" {
		positionID = sql.NullString{String: trade.PositionID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		positionID, trade.Symbol, string(trade.Side), trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.Leverage, trade.PNL, trade.FeeEstimate, trade.EntryTime, trade.ExitTime,
		string(trade.CloseReason), trade.Liquidated)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w: %w", trade.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade journaled", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, position_id, symbol, side, entry_price, exit_price, quantity,
	       leverage, pnl, fee_estimate, entry_time, exit_time, close_reason, liquidated
	FROM trade_history
	WHERE symbol = ? ORDER BY exit_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade history during FindBySymbol: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// TotalPNL sums realized PnL over all journaled trades for the symbol.
func (r *Repository) TotalPNL(ctx context.Context, symbol string) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM trade_history WHERE symbol = ?`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum pnl for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return total, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var positionID sql.NullString
	var side string
	var closeReason sql.NullString
	err := s.Scan(
		&th.ID, &positionID, &th.Symbol, &side, &th.EntryPrice, &th.ExitPrice, &th.Quantity,
		&th.Leverage, &th.PNL, &th.FeeEstimate, &th.EntryTime, &th.ExitTime, &closeReason, &th.Liquidated)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if positionID.Valid {
		th.PositionID = positionID.String
	}
	th.Side = domain.PositionSide(side)
	if closeReason.Valid {
		th.CloseReason = domain.CloseReason(closeReason.String)
	} else {
		th.CloseReason = domain.CloseReasonUnknown
	}
	return th, nil
}
