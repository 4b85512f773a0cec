package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/models"
)

type instrumentServiceImpl struct {
	pool *database.Pool
}

// NewInstrumentService returns the SQLite-backed instrument directory.
func NewInstrumentService(pool *database.Pool) InstrumentDirectory {
	return &instrumentServiceImpl{pool: pool}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *instrumentServiceImpl) queryOne(ctx context.Context, query string, arg any) (*models.Instrument, error) {
	var found *models.Instrument
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, arg)
		if err != nil {
			return fmt.Errorf("error querying instrument: %w", err)
		}
		defer rows.Close()
		if rows.Next() {
			var inst models.Instrument
			if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Name, &inst.ISIN); err != nil {
				return fmt.Errorf("error scanning instrument: %w", err)
			}
			found = &inst
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("instrument %v: %w", arg, apperrors.ErrNotFound)
	}
	return found, nil
}

func (s *instrumentServiceImpl) GetBySymbol(ctx context.Context, symbol string) (*models.Instrument, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.Invalid("symbol", "must not be empty")
	}
	return s.queryOne(ctx, `SELECT id, symbol, name, isin FROM instruments WHERE symbol = ?`, symbol)
}

func (s *instrumentServiceImpl) GetByID(ctx context.Context, id int64) (*models.Instrument, error) {
	return s.queryOne(ctx, `SELECT id, symbol, name, isin FROM instruments WHERE id = ?`, id)
}

// Create registers an instrument. Registering an existing symbol returns the
// stored instrument unchanged.
func (s *instrumentServiceImpl) Create(ctx context.Context, instrument models.Instrument) (*models.Instrument, error) {
	instrument.Symbol = normalizeSymbol(instrument.Symbol)
	if instrument.Symbol == "" {
		return nil, apperrors.Invalid("symbol", "must not be empty")
	}
	instrument.Name = strings.TrimSpace(instrument.Name)
	instrument.ISIN = strings.ToUpper(strings.TrimSpace(instrument.ISIN))
	if instrument.ISIN != "" && len(instrument.ISIN) != 12 {
		return nil, apperrors.Invalid("isin", "must be 12 characters")
	}

	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO instruments (symbol, name, isin) VALUES (?, ?, ?) ON CONFLICT(symbol) DO NOTHING`,
			instrument.Symbol, instrument.Name, instrument.ISIN)
		return err
	})
	if err != nil {
		logger.L.Error("Failed to create instrument", "symbol", instrument.Symbol, "error", err)
		return nil, fmt.Errorf("error creating instrument %s: %w", instrument.Symbol, err)
	}
	return s.GetBySymbol(ctx, instrument.Symbol)
}
