package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/processors"
	"github.com/username/taxfolio/ledger/src/utils"
)

// querier is satisfied by both *sql.Conn and *database.TxContext, so the
// same statements serve reads outside a context and writes inside one.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const transactionColumns = `id, user_id, side, instrument_id, quantity, price, fees, date, created_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var tx models.Transaction
	var side, date string
	if err := row.Scan(&tx.ID, &tx.UserID, &side, &tx.InstrumentID, &tx.Quantity, &tx.Price, &tx.Fees, &date, &tx.CreatedSeq); err != nil {
		return tx, err
	}
	tx.Side = models.Side(side)
	d, err := utils.ParseDate(date)
	if err != nil {
		return tx, fmt.Errorf("transaction %d has malformed date %q: %w", tx.ID, date, err)
	}
	tx.Date = d
	return tx, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]models.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return txs, nil
}

func getTransaction(ctx context.Context, q querier, userID, transactionID int64) (models.Transaction, error) {
	txs, err := queryTransactions(ctx, q,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ? AND user_id = ?`, transactionID, userID)
	if err != nil {
		return models.Transaction{}, err
	}
	if len(txs) == 0 {
		return models.Transaction{}, fmt.Errorf("transaction %d: %w", transactionID, apperrors.ErrNotFound)
	}
	return txs[0], nil
}

// listTransactions returns a user's transactions in replay order. An
// instrumentID of 0 selects all instruments.
func listTransactions(ctx context.Context, q querier, userID, instrumentID int64) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if instrumentID != 0 {
		query += ` AND instrument_id = ?`
		args = append(args, instrumentID)
	}
	query += ` ORDER BY instrument_id, date, created_seq`
	txs, err := queryTransactions(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	processors.SortForReplay(txs)
	return txs, nil
}

func listTransactionsFrom(ctx context.Context, q querier, userID, instrumentID int64, cutoff time.Time) ([]models.Transaction, error) {
	txs, err := queryTransactions(ctx, q,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? AND instrument_id = ? AND date >= ?`,
		userID, instrumentID, utils.FormatDate(cutoff))
	if err != nil {
		return nil, err
	}
	processors.SortForReplay(txs)
	return txs, nil
}

func nextCreatedSeq(ctx context.Context, q querier, userID int64) (int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT COALESCE(MAX(created_seq), 0) + 1 FROM transactions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("error reading creation sequence: %w", err)
	}
	defer rows.Close()
	var seq int64
	if rows.Next() {
		if err := rows.Scan(&seq); err != nil {
			return 0, fmt.Errorf("error scanning creation sequence: %w", err)
		}
	}
	return seq, rows.Err()
}

func insertTransaction(ctx context.Context, q querier, tx models.Transaction) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO transactions (user_id, side, instrument_id, quantity, price, fees, date, created_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, string(tx.Side), tx.InstrumentID, tx.Quantity, tx.Price.String(), tx.Fees.String(),
		utils.FormatDate(tx.Date), tx.CreatedSeq)
	if err != nil {
		return 0, fmt.Errorf("error inserting transaction: %w", err)
	}
	return res.LastInsertId()
}

func updateTransaction(ctx context.Context, q querier, tx models.Transaction) error {
	_, err := q.ExecContext(ctx,
		`UPDATE transactions SET side = ?, quantity = ?, price = ?, fees = ?, date = ?
		 WHERE id = ? AND user_id = ?`,
		string(tx.Side), tx.Quantity, tx.Price.String(), tx.Fees.String(), utils.FormatDate(tx.Date),
		tx.ID, tx.UserID)
	if err != nil {
		return fmt.Errorf("error updating transaction %d: %w", tx.ID, err)
	}
	return nil
}

func deleteTransactionRow(ctx context.Context, q querier, userID, transactionID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND user_id = ?`, transactionID, userID); err != nil {
		return fmt.Errorf("error deleting transaction %d: %w", transactionID, err)
	}
	return nil
}

const gainColumns = `id, user_id, buy_transaction_id, sell_transaction_id, instrument_id, quantity,
	buy_unit_cost, sell_unit_cost, buy_date, sell_date, holding_days, gain_amount, classification, tax_rate, fiscal_year`

func queryGains(ctx context.Context, q querier, query string, args ...any) ([]models.RealizedGain, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying realized gains: %w", err)
	}
	defer rows.Close()

	var gains []models.RealizedGain
	for rows.Next() {
		var g models.RealizedGain
		var buyDate, sellDate, classification string
		if err := rows.Scan(&g.ID, &g.UserID, &g.BuyTransactionID, &g.SellTransactionID, &g.InstrumentID, &g.Quantity,
			&g.BuyUnitCost, &g.SellUnitCost, &buyDate, &sellDate, &g.HoldingDays, &g.GainAmount, &classification,
			&g.TaxRate, &g.FiscalYear); err != nil {
			return nil, fmt.Errorf("error scanning realized gain row: %w", err)
		}
		if g.BuyDate, err = utils.ParseDate(buyDate); err != nil {
			return nil, fmt.Errorf("realized gain %d has malformed buy date: %w", g.ID, err)
		}
		if g.SellDate, err = utils.ParseDate(sellDate); err != nil {
			return nil, fmt.Errorf("realized gain %d has malformed sell date: %w", g.ID, err)
		}
		g.Classification = models.Classification(classification)
		gains = append(gains, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating realized gain rows: %w", err)
	}
	return gains, nil
}

// listGains returns a user's realized gains ordered by sell date and match
// order. An empty fiscalYear selects all years.
func listGains(ctx context.Context, q querier, userID int64, fiscalYear string) ([]models.RealizedGain, error) {
	query := `SELECT ` + gainColumns + ` FROM realized_gains WHERE user_id = ?`
	args := []any{userID}
	if fiscalYear != "" {
		query += ` AND fiscal_year = ?`
		args = append(args, fiscalYear)
	}
	query += ` ORDER BY sell_date, sell_transaction_id, id`
	return queryGains(ctx, q, query, args...)
}

func insertGain(ctx context.Context, q querier, g models.RealizedGain) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO realized_gains (user_id, buy_transaction_id, sell_transaction_id, instrument_id, quantity,
		 buy_unit_cost, sell_unit_cost, buy_date, sell_date, holding_days, gain_amount, classification, tax_rate, fiscal_year)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.BuyTransactionID, g.SellTransactionID, g.InstrumentID, g.Quantity,
		g.BuyUnitCost.String(), g.SellUnitCost.String(), utils.FormatDate(g.BuyDate), utils.FormatDate(g.SellDate),
		g.HoldingDays, g.GainAmount.String(), string(g.Classification), g.TaxRate.String(), g.FiscalYear)
	if err != nil {
		return fmt.Errorf("error inserting realized gain (sell %d, buy %d): %w", g.SellTransactionID, g.BuyTransactionID, err)
	}
	return nil
}

// deleteGainsFrom removes every gain of the instrument whose sell happened on
// or after cutoff.
func deleteGainsFrom(ctx context.Context, q querier, userID, instrumentID int64, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM realized_gains WHERE user_id = ? AND instrument_id = ? AND sell_date >= ?`,
		userID, instrumentID, utils.FormatDate(cutoff))
	if err != nil {
		return 0, fmt.Errorf("error deleting realized gains from %s: %w", utils.FormatDate(cutoff), err)
	}
	return res.RowsAffected()
}

func deleteAllGains(ctx context.Context, q querier, userID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM realized_gains WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("error deleting realized gains: %w", err)
	}
	return res.RowsAffected()
}

// openLots derives the open lots of a user from BUY rows minus the matched
// quantity recorded against them. With a non-zero cutoff only BUYs dated
// before it are considered. An instrumentID of 0 selects all instruments.
func openLots(ctx context.Context, q querier, userID, instrumentID int64, cutoff time.Time) ([]models.Lot, error) {
	query := `SELECT ` + transactionColumns + `,
		(SELECT COALESCE(SUM(g.quantity), 0) FROM realized_gains g WHERE g.buy_transaction_id = t.id)
		FROM transactions t WHERE t.user_id = ? AND t.side = 'BUY'`
	args := []any{userID}
	if instrumentID != 0 {
		query += ` AND t.instrument_id = ?`
		args = append(args, instrumentID)
	}
	if !cutoff.IsZero() {
		query += ` AND t.date < ?`
		args = append(args, utils.FormatDate(cutoff))
	}
	query += ` ORDER BY t.instrument_id, t.date, t.created_seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying open lots: %w", err)
	}
	defer rows.Close()

	var lots []models.Lot
	for rows.Next() {
		var tx models.Transaction
		var side, date string
		var matched int64
		if err := rows.Scan(&tx.ID, &tx.UserID, &side, &tx.InstrumentID, &tx.Quantity, &tx.Price, &tx.Fees, &date, &tx.CreatedSeq, &matched); err != nil {
			return nil, fmt.Errorf("error scanning open lot row: %w", err)
		}
		if tx.Date, err = utils.ParseDate(date); err != nil {
			return nil, fmt.Errorf("transaction %d has malformed date %q: %w", tx.ID, date, err)
		}
		tx.Side = models.Side(side)
		if matched > tx.Quantity {
			return nil, fmt.Errorf("buy %d matched %d of %d units: %w", tx.ID, matched, tx.Quantity, apperrors.ErrStorageIntegrity)
		}
		lot := processors.LotFromBuy(tx)
		lot.RemainingQuantity -= matched
		if !lot.Closed() {
			lots = append(lots, lot)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open lot rows: %w", err)
	}
	return lots, nil
}

// verifyFullyMatched fails with ErrStorageIntegrity when any SELL of the
// instrument is not covered by exactly its own quantity of realized gains.
func verifyFullyMatched(ctx context.Context, q querier, userID, instrumentID int64) error {
	rows, err := q.QueryContext(ctx,
		`SELECT t.id, t.quantity, COALESCE(SUM(g.quantity), 0) AS matched
		 FROM transactions t
		 LEFT JOIN realized_gains g ON g.sell_transaction_id = t.id
		 WHERE t.user_id = ? AND t.instrument_id = ? AND t.side = 'SELL'
		 GROUP BY t.id, t.quantity
		 HAVING matched != t.quantity`,
		userID, instrumentID)
	if err != nil {
		return fmt.Errorf("error verifying matched quantities: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var sellID, quantity, matched int64
		if err := rows.Scan(&sellID, &quantity, &matched); err != nil {
			return fmt.Errorf("error scanning consistency row: %w", err)
		}
		return fmt.Errorf("sell %d has %d of %d units matched: %w", sellID, matched, quantity, apperrors.ErrStorageIntegrity)
	}
	return rows.Err()
}
