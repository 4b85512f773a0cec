package processors

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/utils"
)

// MatchResult holds the matches of one sell and the lots left open after it.
type MatchResult struct {
	Matches   []models.RealizedGain
	Lots      []models.Lot
	Remainder int64
}

// SortLots orders lots strictly by purchase date, then by creation sequence.
// Size and price never influence the order.
func SortLots(lots []models.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].Date.Equal(lots[j].Date) {
			return lots[i].Date.Before(lots[j].Date)
		}
		return lots[i].CreatedSeq < lots[j].CreatedSeq
	})
}

// MatchSell consumes open lots oldest first until the sell quantity is
// covered. The input slice is not modified. When the lots run out the call
// fails with *apperrors.OversellError and returns no matches.
func MatchSell(openLots []models.Lot, sell models.SellEvent, policy TaxPolicy) (MatchResult, error) {
	if sell.Quantity <= 0 {
		return MatchResult{}, apperrors.Invalid("quantity", "sell quantity must be positive")
	}

	lots := make([]models.Lot, len(openLots))
	copy(lots, openLots)
	SortLots(lots)

	outstanding := sell.Quantity
	var matches []models.RealizedGain
	for i := range lots {
		if outstanding == 0 {
			break
		}
		lot := &lots[i]
		if lot.RemainingQuantity <= 0 {
			continue
		}
		if lot.Date.After(sell.Date) {
			break
		}

		qty := min(lot.RemainingQuantity, outstanding)
		holdingDays := utils.DaysBetween(lot.Date, sell.Date)
		classification := policy.Classify(holdingDays)

		matches = append(matches, models.RealizedGain{
			BuyTransactionID:  lot.BuyTransactionID,
			SellTransactionID: sell.TransactionID,
			InstrumentID:      sell.InstrumentID,
			Quantity:          qty,
			BuyUnitCost:       lot.UnitCost,
			SellUnitCost:      sell.UnitPrice,
			BuyDate:           lot.Date,
			SellDate:          sell.Date,
			HoldingDays:       holdingDays,
			GainAmount:        sell.UnitPrice.Sub(lot.UnitCost).Mul(decimal.NewFromInt(qty)).Round(models.MoneyPrecision),
			Classification:    classification,
			TaxRate:           policy.Rate(classification),
			FiscalYear:        policy.FiscalYear(sell.Date),
		})

		lot.RemainingQuantity -= qty
		outstanding -= qty
	}

	if outstanding > 0 {
		return MatchResult{Remainder: outstanding}, &apperrors.OversellError{
			InstrumentID:      sell.InstrumentID,
			SellTransactionID: sell.TransactionID,
			Requested:         sell.Quantity,
			Available:         sell.Quantity - outstanding,
		}
	}

	remaining := lots[:0]
	for _, lot := range lots {
		if !lot.Closed() {
			remaining = append(remaining, lot)
		}
	}
	return MatchResult{Matches: matches, Lots: remaining}, nil
}

// LotFromBuy opens a full lot for a BUY transaction.
func LotFromBuy(tx models.Transaction) models.Lot {
	return models.Lot{
		BuyTransactionID:  tx.ID,
		InstrumentID:      tx.InstrumentID,
		Date:              tx.Date,
		CreatedSeq:        tx.CreatedSeq,
		UnitCost:          tx.UnitCost(),
		OriginalQuantity:  tx.Quantity,
		RemainingQuantity: tx.Quantity,
	}
}

// SellEventFromTx extracts what the matcher needs from a SELL transaction.
func SellEventFromTx(tx models.Transaction) models.SellEvent {
	return models.SellEvent{
		TransactionID: tx.ID,
		InstrumentID:  tx.InstrumentID,
		Quantity:      tx.Quantity,
		UnitPrice:     tx.UnitProceeds(),
		Date:          tx.Date,
	}
}

// SortForReplay orders transactions by date; on a shared date BUYs come before
// SELLs so a same-day purchase can cover a same-day sale, then by creation
// sequence.
func SortForReplay(txs []models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Side != b.Side {
			return a.Side == models.SideBuy
		}
		return a.CreatedSeq < b.CreatedSeq
	})
}

// OpenLotBook tracks the open lots of one instrument while transactions are
// replayed in order.
type OpenLotBook struct {
	instrumentID int64
	lots         []models.Lot
	policy       TaxPolicy
}

func NewOpenLotBook(instrumentID int64, lots []models.Lot, policy TaxPolicy) *OpenLotBook {
	own := make([]models.Lot, 0, len(lots))
	for _, lot := range lots {
		if !lot.Closed() {
			own = append(own, lot)
		}
	}
	SortLots(own)
	return &OpenLotBook{instrumentID: instrumentID, lots: own, policy: policy}
}

func (b *OpenLotBook) AddBuy(tx models.Transaction) {
	b.lots = append(b.lots, LotFromBuy(tx))
	SortLots(b.lots)
}

// Sell matches a SELL against the book. On error the book is unchanged.
func (b *OpenLotBook) Sell(tx models.Transaction) ([]models.RealizedGain, error) {
	res, err := MatchSell(b.lots, SellEventFromTx(tx), b.policy)
	if err != nil {
		return nil, err
	}
	b.lots = res.Lots
	return res.Matches, nil
}

// Apply routes a transaction to AddBuy or Sell.
func (b *OpenLotBook) Apply(tx models.Transaction) ([]models.RealizedGain, error) {
	if tx.Side == models.SideBuy {
		b.AddBuy(tx)
		return nil, nil
	}
	return b.Sell(tx)
}

func (b *OpenLotBook) Lots() []models.Lot {
	out := make([]models.Lot, len(b.lots))
	copy(out, b.lots)
	return out
}

// ProcessTransactions rebuilds gains and open lots from scratch, instrument by
// instrument. Any oversell aborts the whole computation.
func ProcessTransactions(transactions []models.Transaction, policy TaxPolicy) ([]models.RealizedGain, []models.Lot, error) {
	byInstrument := groupTransactionsByInstrument(transactions)

	ids := make([]int64, 0, len(byInstrument))
	for id := range byInstrument {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var gains []models.RealizedGain
	var openLots []models.Lot
	for _, id := range ids {
		txs := byInstrument[id]
		SortForReplay(txs)
		book := NewOpenLotBook(id, nil, policy)
		for _, tx := range txs {
			matches, err := book.Apply(tx)
			if err != nil {
				return nil, nil, err
			}
			gains = append(gains, matches...)
		}
		openLots = append(openLots, book.Lots()...)
	}
	return gains, openLots, nil
}

func groupTransactionsByInstrument(transactions []models.Transaction) map[int64][]models.Transaction {
	grouped := make(map[int64][]models.Transaction)
	for _, tx := range transactions {
		grouped[tx.InstrumentID] = append(grouped[tx.InstrumentID], tx)
	}
	return grouped
}
