package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/processors"
	"github.com/username/taxfolio/ledger/src/utils"
)

const (
	ckRealizedGains = "res_realized_gains_user_%d"
	ckOpenLots      = "res_open_lots_user_%d"

	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

type recalcServiceImpl struct {
	pool        *database.Pool
	txManager   *database.TxManager
	policy      processors.TaxPolicy
	instruments InstrumentDirectory
	audit       AuditRecorder
	prices      PriceFeed
	reportCache *cache.Cache
	now         Clock

	genMu       sync.Mutex
	generations map[int64]uint64
}

// NewRecalcService wires the ledger. audit and prices may be nil.
func NewRecalcService(
	pool *database.Pool,
	txManager *database.TxManager,
	policy processors.TaxPolicy,
	instruments InstrumentDirectory,
	audit AuditRecorder,
	prices PriceFeed,
	reportCache *cache.Cache,
) LedgerService {
	if reportCache == nil {
		reportCache = cache.New(DefaultCacheExpiration, CacheCleanupInterval)
	}
	return &recalcServiceImpl{
		pool:        pool,
		txManager:   txManager,
		policy:      policy,
		instruments: instruments,
		audit:       audit,
		prices:      prices,
		reportCache: reportCache,
		now:         time.Now,
		generations: make(map[int64]uint64),
	}
}

// Recalculate applies edits to one transaction and re-derives every gain of
// its instrument from the earliest affected date, all in one context.
func (s *recalcServiceImpl) Recalculate(ctx context.Context, userID, transactionID int64, edits models.TransactionEdit) (*models.RecalcResult, error) {
	start := time.Now()
	var before, after models.Transaction
	var stats replayStats

	err := s.txManager.RunInTx(ctx, func(tx *database.TxContext) error {
		original, err := getTransaction(ctx, tx, userID, transactionID)
		if err != nil {
			return err
		}
		updated, err := applyEdits(original, edits)
		if err != nil {
			return err
		}
		before, after = original, updated

		cutoff := earliest(original.Date, updated.Date)
		stats, err = s.replayFrom(ctx, tx, userID, original.InstrumentID, cutoff, func() error {
			return updateTransaction(ctx, tx, updated)
		})
		return err
	})
	if err != nil {
		logFailure("Recalculate", userID, transactionID, err)
		return nil, err
	}

	s.afterCommit(ctx, userID, transactionID, models.AuditEdit, diffTransactions(before, after))
	logger.L.Info("Transaction recalculated", "userID", userID, "transactionID", transactionID,
		"gainsDeleted", stats.deleted, "gainsWritten", stats.written, "duration", time.Since(start))
	return s.result(transactionID, after.InstrumentID, stats), nil
}

// DeleteTransaction removes a transaction and re-derives the gains of its
// instrument from the transaction's date.
func (s *recalcServiceImpl) DeleteTransaction(ctx context.Context, userID, transactionID int64) (*models.RecalcResult, error) {
	var removed models.Transaction
	var stats replayStats

	err := s.txManager.RunInTx(ctx, func(tx *database.TxContext) error {
		original, err := getTransaction(ctx, tx, userID, transactionID)
		if err != nil {
			return err
		}
		removed = original
		stats, err = s.replayFrom(ctx, tx, userID, original.InstrumentID, original.Date, func() error {
			return deleteTransactionRow(ctx, tx, userID, transactionID)
		})
		return err
	})
	if err != nil {
		logFailure("DeleteTransaction", userID, transactionID, err)
		return nil, err
	}

	s.afterCommit(ctx, userID, transactionID, models.AuditDelete, diffTransactions(removed, models.Transaction{}))
	logger.L.Info("Transaction deleted", "userID", userID, "transactionID", transactionID,
		"gainsDeleted", stats.deleted, "gainsWritten", stats.written)
	return s.result(transactionID, removed.InstrumentID, stats), nil
}

// AddTransaction records a new trade. Back-dated trades re-derive the gains
// from their date onward like an edit does.
func (s *recalcServiceImpl) AddTransaction(ctx context.Context, userID int64, input models.NewTransaction) (*models.RecalcResult, error) {
	candidate, err := s.validateNew(ctx, userID, input)
	if err != nil {
		logFailure("AddTransaction", userID, 0, err)
		return nil, err
	}

	var stats replayStats
	err = s.txManager.RunInTx(ctx, func(tx *database.TxContext) error {
		seq, err := nextCreatedSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		candidate.CreatedSeq = seq
		stats, err = s.replayFrom(ctx, tx, userID, candidate.InstrumentID, candidate.Date, func() error {
			id, err := insertTransaction(ctx, tx, candidate)
			candidate.ID = id
			return err
		})
		return err
	})
	if err != nil {
		logFailure("AddTransaction", userID, 0, err)
		return nil, err
	}

	s.afterCommit(ctx, userID, candidate.ID, models.AuditCreate, diffTransactions(models.Transaction{}, candidate))
	logger.L.Info("Transaction added", "userID", userID, "transactionID", candidate.ID,
		"instrumentID", candidate.InstrumentID, "gainsWritten", stats.written)
	return s.result(candidate.ID, candidate.InstrumentID, stats), nil
}

// RebuildAll discards every realized gain of the user and replays the whole
// ledger from scratch.
func (s *recalcServiceImpl) RebuildAll(ctx context.Context, userID int64) (*models.RecalcResult, error) {
	var stats replayStats
	err := s.txManager.RunInTx(ctx, func(tx *database.TxContext) error {
		deleted, err := deleteAllGains(ctx, tx, userID)
		if err != nil {
			return err
		}
		stats.deleted = deleted

		txs, err := listTransactions(ctx, tx, userID, 0)
		if err != nil {
			return err
		}
		gains, _, err := processors.ProcessTransactions(txs, s.policy)
		if err != nil {
			return fmt.Errorf("error replaying ledger: %w", err)
		}
		instrumentIDs := make(map[int64]struct{})
		for _, g := range gains {
			g.UserID = userID
			if err := insertGain(ctx, tx, g); err != nil {
				return err
			}
			stats.written++
		}
		for _, t := range txs {
			instrumentIDs[t.InstrumentID] = struct{}{}
			if stats.earliest.IsZero() || t.Date.Before(stats.earliest) {
				stats.earliest = t.Date
			}
		}
		for id := range instrumentIDs {
			if err := verifyFullyMatched(ctx, tx, userID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logFailure("RebuildAll", userID, 0, err)
		return nil, err
	}

	s.InvalidateUserCache(userID)
	logger.L.Info("Ledger rebuilt", "userID", userID, "gainsDeleted", stats.deleted, "gainsWritten", stats.written)
	return s.result(0, 0, stats), nil
}

// ImportTransactions validates every row, inserts them all in one context and
// re-derives each touched instrument from its earliest imported date. One bad
// row or one oversell rejects the whole import.
func (s *recalcServiceImpl) ImportTransactions(ctx context.Context, userID int64, inputs []models.NewTransaction) (*models.ImportResult, error) {
	if len(inputs) == 0 {
		return nil, apperrors.Invalid("transactions", "nothing to import")
	}
	candidates := make([]models.Transaction, len(inputs))
	byInstrument := make(map[int64][]int)
	var instrumentIDs []int64
	for i, input := range inputs {
		c, err := s.validateNew(ctx, userID, input)
		if err != nil {
			err = fmt.Errorf("transaction %d: %w", i+1, err)
			logFailure("ImportTransactions", userID, 0, err)
			return nil, err
		}
		candidates[i] = c
		if _, seen := byInstrument[c.InstrumentID]; !seen {
			instrumentIDs = append(instrumentIDs, c.InstrumentID)
		}
		byInstrument[c.InstrumentID] = append(byInstrument[c.InstrumentID], i)
	}
	sort.Slice(instrumentIDs, func(i, j int) bool { return instrumentIDs[i] < instrumentIDs[j] })

	var stats replayStats
	err := s.txManager.RunInTx(ctx, func(tx *database.TxContext) error {
		seq, err := nextCreatedSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		for i := range candidates {
			candidates[i].CreatedSeq = seq + int64(i)
		}

		for _, instrumentID := range instrumentIDs {
			rows := byInstrument[instrumentID]
			cutoff := candidates[rows[0]].Date
			for _, i := range rows[1:] {
				cutoff = earliest(cutoff, candidates[i].Date)
			}
			st, err := s.replayFrom(ctx, tx, userID, instrumentID, cutoff, func() error {
				for _, i := range rows {
					id, err := insertTransaction(ctx, tx, candidates[i])
					if err != nil {
						return err
					}
					candidates[i].ID = id
				}
				return nil
			})
			if err != nil {
				return err
			}
			stats.deleted += st.deleted
			stats.written += st.written
			if stats.earliest.IsZero() || cutoff.Before(stats.earliest) {
				stats.earliest = cutoff
			}
		}
		return nil
	})
	if err != nil {
		logFailure("ImportTransactions", userID, 0, err)
		return nil, err
	}

	s.InvalidateUserCache(userID)
	res := &models.ImportResult{
		Success:        true,
		Imported:       len(candidates),
		TransactionIDs: make([]int64, 0, len(candidates)),
		InstrumentIDs:  instrumentIDs,
		Timestamp:      s.now().UTC(),
		GainsDeleted:   stats.deleted,
		GainsWritten:   stats.written,
		EarliestDate:   utils.FormatDate(stats.earliest),
	}
	for _, c := range candidates {
		s.recordAudit(ctx, userID, c.ID, models.AuditCreate, diffTransactions(models.Transaction{}, c))
		res.TransactionIDs = append(res.TransactionIDs, c.ID)
	}
	logger.L.Info("Transactions imported", "userID", userID, "count", len(candidates),
		"instruments", len(instrumentIDs), "gainsDeleted", stats.deleted, "gainsWritten", stats.written)
	return res, nil
}

type replayStats struct {
	deleted  int64
	written  int
	earliest time.Time
}

// replayFrom discards the instrument's gains from cutoff, rebuilds the lots
// still open before cutoff, runs mutate, then replays everything dated on or
// after cutoff and checks that every SELL is fully matched. Any error leaves
// the context failed.
func (s *recalcServiceImpl) replayFrom(ctx context.Context, tx *database.TxContext, userID, instrumentID int64, cutoff time.Time, mutate func() error) (replayStats, error) {
	stats := replayStats{earliest: cutoff}

	deleted, err := deleteGainsFrom(ctx, tx, userID, instrumentID, cutoff)
	if err != nil {
		return stats, err
	}
	stats.deleted = deleted

	lots, err := openLots(ctx, tx, userID, instrumentID, cutoff)
	if err != nil {
		return stats, err
	}

	if err := mutate(); err != nil {
		return stats, err
	}

	txs, err := listTransactionsFrom(ctx, tx, userID, instrumentID, cutoff)
	if err != nil {
		return stats, err
	}
	logger.L.Debug("Replaying instrument", "userID", userID, "instrumentID", instrumentID,
		"cutoff", utils.FormatDate(cutoff), "openLots", len(lots), "transactions", len(txs), "contextID", tx.ID())

	book := processors.NewOpenLotBook(instrumentID, lots, s.policy)
	for _, t := range txs {
		matches, err := book.Apply(t)
		if err != nil {
			return stats, fmt.Errorf("error replaying transaction %d: %w", t.ID, err)
		}
		for _, g := range matches {
			g.UserID = userID
			if err := insertGain(ctx, tx, g); err != nil {
				return stats, err
			}
			stats.written++
		}
	}

	if err := verifyFullyMatched(ctx, tx, userID, instrumentID); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *recalcServiceImpl) afterCommit(ctx context.Context, userID, transactionID int64, action models.AuditAction, changes []models.FieldChange) {
	s.InvalidateUserCache(userID)
	s.recordAudit(ctx, userID, transactionID, action, changes)
}

// recordAudit is best-effort: the ledger change already committed.
func (s *recalcServiceImpl) recordAudit(ctx context.Context, userID, transactionID int64, action models.AuditAction, changes []models.FieldChange) {
	if s.audit == nil {
		return
	}
	entry := models.AuditEntry{
		UserID:        userID,
		TransactionID: transactionID,
		Action:        action,
		Changes:       changes,
		Timestamp:     s.now().UTC(),
	}
	if err := s.audit.LogEdit(ctx, entry); err != nil {
		logger.L.Warn("Failed to record audit entry", "userID", userID, "transactionID", transactionID, "action", action, "error", err)
	}
}

func (s *recalcServiceImpl) result(transactionID, instrumentID int64, stats replayStats) *models.RecalcResult {
	res := &models.RecalcResult{
		Success:       true,
		TransactionID: transactionID,
		InstrumentID:  instrumentID,
		Timestamp:     s.now().UTC(),
		GainsDeleted:  stats.deleted,
		GainsWritten:  stats.written,
	}
	if !stats.earliest.IsZero() {
		res.EarliestDate = utils.FormatDate(stats.earliest)
	}
	return res
}

func logFailure(op string, userID, transactionID int64, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrOversell):
		logger.L.Info(op+" rejected", "userID", userID, "transactionID", transactionID, "error", err)
	default:
		logger.L.Error(op+" failed", "userID", userID, "transactionID", transactionID, "error", err)
	}
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func validateAmounts(quantity int64, price, fees decimal.Decimal) error {
	if quantity <= 0 {
		return apperrors.Invalid("quantity", "must be positive")
	}
	if !price.IsPositive() {
		return apperrors.Invalid("price", "must be positive")
	}
	if fees.IsNegative() {
		return apperrors.Invalid("fees", "must not be negative")
	}
	return nil
}

// applyEdits returns original with the non-nil fields of edits applied, or a
// validation error. The instrument of a transaction cannot change.
func applyEdits(original models.Transaction, edits models.TransactionEdit) (models.Transaction, error) {
	updated := original
	if edits.Side != nil {
		side := models.Side(strings.ToUpper(string(*edits.Side)))
		if !side.Valid() {
			return original, apperrors.Invalid("side", "must be BUY or SELL")
		}
		updated.Side = side
	}
	if edits.InstrumentID != nil && *edits.InstrumentID != original.InstrumentID {
		return original, apperrors.Invalid("instrument_id", "cannot be changed; delete and re-add the transaction")
	}
	if edits.Quantity != nil {
		updated.Quantity = *edits.Quantity
	}
	if edits.Price != nil {
		updated.Price = *edits.Price
	}
	if edits.Fees != nil {
		updated.Fees = *edits.Fees
	}
	if edits.Date != nil {
		d, err := utils.ParseDate(*edits.Date)
		if err != nil {
			return original, apperrors.Invalid("date", "must be YYYY-MM-DD")
		}
		updated.Date = d
	}
	if err := validateAmounts(updated.Quantity, updated.Price, updated.Fees); err != nil {
		return original, err
	}
	return updated, nil
}

func (s *recalcServiceImpl) validateNew(ctx context.Context, userID int64, input models.NewTransaction) (models.Transaction, error) {
	side := models.Side(strings.ToUpper(string(input.Side)))
	if !side.Valid() {
		return models.Transaction{}, apperrors.Invalid("side", "must be BUY or SELL")
	}
	if err := validateAmounts(input.Quantity, input.Price, input.Fees); err != nil {
		return models.Transaction{}, err
	}
	date, err := utils.ParseDate(input.Date)
	if err != nil {
		return models.Transaction{}, apperrors.Invalid("date", "must be YYYY-MM-DD")
	}

	var inst *models.Instrument
	switch {
	case input.InstrumentID != 0:
		inst, err = s.instruments.GetByID(ctx, input.InstrumentID)
	case strings.TrimSpace(input.Symbol) != "":
		inst, err = s.instruments.GetBySymbol(ctx, input.Symbol)
	default:
		return models.Transaction{}, apperrors.Invalid("symbol", "symbol or instrument_id is required")
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return models.Transaction{}, apperrors.Invalid("symbol", "unknown instrument")
	}
	if err != nil {
		return models.Transaction{}, err
	}

	return models.Transaction{
		UserID:       userID,
		Side:         side,
		InstrumentID: inst.ID,
		Quantity:     input.Quantity,
		Price:        input.Price,
		Fees:         input.Fees,
		Date:         date,
	}, nil
}

// InvalidateUserCache clears the cached reports of a user. Results computed
// from reads that started before the invalidation are not cached afterwards.
func (s *recalcServiceImpl) InvalidateUserCache(userID int64) {
	s.genMu.Lock()
	s.generations[userID]++
	s.genMu.Unlock()
	s.reportCache.Delete(fmt.Sprintf(ckRealizedGains, userID))
	s.reportCache.Delete(fmt.Sprintf(ckOpenLots, userID))
	logger.L.Debug("Invalidated report caches for user", "userID", userID)
}

func (s *recalcServiceImpl) generation(userID int64) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[userID]
}

func (s *recalcServiceImpl) cacheIfCurrent(key string, userID int64, gen uint64, value any) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[userID] == gen {
		s.reportCache.SetDefault(key, value)
	}
}

func (s *recalcServiceImpl) GetTransactions(ctx context.Context, userID, instrumentID int64) ([]models.Transaction, error) {
	txs := []models.Transaction{}
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		found, err := listTransactions(ctx, conn, userID, instrumentID)
		if err != nil {
			return err
		}
		txs = append(txs, found...)
		return nil
	})
	if err != nil {
		logger.L.Error("Failed to list transactions", "userID", userID, "error", err)
		return nil, err
	}
	return txs, nil
}

func (s *recalcServiceImpl) allOpenLots(ctx context.Context, userID int64) ([]models.Lot, error) {
	key := fmt.Sprintf(ckOpenLots, userID)
	if cached, found := s.reportCache.Get(key); found {
		logger.L.Debug("Cache hit for open lots", "userID", userID)
		return cached.([]models.Lot), nil
	}

	gen := s.generation(userID)
	var lots []models.Lot
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		var err error
		lots, err = openLots(ctx, conn, userID, 0, time.Time{})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cacheIfCurrent(key, userID, gen, lots)
	return lots, nil
}

// GetOpenLots lists the open lots of one instrument, or of all instruments
// when instrumentID is 0. Unrealized gains are filled in when a price feed
// is wired and answers.
func (s *recalcServiceImpl) GetOpenLots(ctx context.Context, userID, instrumentID int64) ([]models.OpenLotView, error) {
	lots, err := s.allOpenLots(ctx, userID)
	if err != nil {
		logger.L.Error("Failed to derive open lots", "userID", userID, "error", err)
		return nil, err
	}

	views := []models.OpenLotView{}
	idSet := make(map[int64]struct{})
	for _, lot := range lots {
		if instrumentID != 0 && lot.InstrumentID != instrumentID {
			continue
		}
		idSet[lot.InstrumentID] = struct{}{}
		views = append(views, models.OpenLotView{
			TransactionID: lot.BuyTransactionID,
			InstrumentID:  lot.InstrumentID,
			Date:          utils.FormatDate(lot.Date),
			Quantity:      lot.RemainingQuantity,
			UnitCost:      lot.UnitCost,
		})
	}
	if s.prices == nil || len(views) == 0 {
		return views, nil
	}

	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	prices, err := s.prices.GetCurrentPrices(ctx, ids)
	if err != nil {
		logger.L.Warn("Price feed unavailable, omitting unrealized gains", "userID", userID, "error", err)
		return views, nil
	}
	for i := range views {
		price, ok := prices[views[i].InstrumentID]
		if !ok {
			continue
		}
		gain := price.Sub(views[i].UnitCost).Mul(decimal.NewFromInt(views[i].Quantity)).Round(models.MoneyPrecision)
		views[i].CurrentPrice = &price
		views[i].UnrealizedGain = &gain
	}
	return views, nil
}

func (s *recalcServiceImpl) allGains(ctx context.Context, userID int64) ([]models.RealizedGain, error) {
	key := fmt.Sprintf(ckRealizedGains, userID)
	if cached, found := s.reportCache.Get(key); found {
		logger.L.Debug("Cache hit for realized gains", "userID", userID)
		return cached.([]models.RealizedGain), nil
	}

	gen := s.generation(userID)
	var gains []models.RealizedGain
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		var err error
		gains, err = listGains(ctx, conn, userID, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cacheIfCurrent(key, userID, gen, gains)
	return gains, nil
}

// GetRealizedGains lists realized gains of one fiscal year, or of all years
// when fiscalYear is empty.
func (s *recalcServiceImpl) GetRealizedGains(ctx context.Context, userID int64, fiscalYear string) ([]models.RealizedGain, error) {
	if fiscalYear != "" && !s.policy.ValidFiscalYear(fiscalYear) {
		return nil, apperrors.Invalid("fy", fmt.Sprintf("malformed fiscal year %q", fiscalYear))
	}
	gains, err := s.allGains(ctx, userID)
	if err != nil {
		logger.L.Error("Failed to load realized gains", "userID", userID, "error", err)
		return nil, err
	}
	out := []models.RealizedGain{}
	for _, g := range gains {
		if fiscalYear == "" || g.FiscalYear == fiscalYear {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetTaxSummary estimates the tax of one fiscal year; an empty fiscalYear
// means the current one.
func (s *recalcServiceImpl) GetTaxSummary(ctx context.Context, userID int64, fiscalYear string) (*models.TaxSummary, error) {
	if fiscalYear == "" {
		fiscalYear = s.policy.FiscalYear(utils.TruncateDay(s.now()))
	}
	gains, err := s.GetRealizedGains(ctx, userID, fiscalYear)
	if err != nil {
		return nil, err
	}
	summary := s.policy.Summarize(fiscalYear, gains)
	return &summary, nil
}
