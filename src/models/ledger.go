package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type Classification string

const (
	ShortTerm Classification = "SHORT"
	LongTerm  Classification = "LONG"
)

// Transaction is one BUY or SELL in the ledger. Rows change only through the
// recalculation path.
type Transaction struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Side         Side            `json:"side"`
	InstrumentID int64           `json:"instrument_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fees         decimal.Decimal `json:"fees"`
	Date         time.Time       `json:"date"`
	CreatedSeq   int64           `json:"created_seq"`
}

// UnitCost is the per-share acquisition cost of a BUY including fees.
func (t Transaction) UnitCost() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity)).Add(t.Fees).DivRound(decimal.NewFromInt(t.Quantity), UnitPrecision)
}

// UnitProceeds is the per-share proceeds of a SELL net of fees.
func (t Transaction) UnitProceeds() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity)).Sub(t.Fees).DivRound(decimal.NewFromInt(t.Quantity), UnitPrecision)
}

const (
	UnitPrecision  int32 = 6
	MoneyPrecision int32 = 2
)

// Lot is the unconsumed part of a BUY. It is derived from transactions and
// realized gains, never stored.
type Lot struct {
	BuyTransactionID  int64           `json:"transaction_id"`
	InstrumentID      int64           `json:"instrument_id"`
	Date              time.Time       `json:"date"`
	CreatedSeq        int64           `json:"-"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	OriginalQuantity  int64           `json:"original_quantity"`
	RemainingQuantity int64           `json:"quantity"`
}

func (l Lot) Closed() bool { return l.RemainingQuantity == 0 }

// SellEvent is the part of a SELL the matcher needs.
type SellEvent struct {
	TransactionID int64
	InstrumentID  int64
	Quantity      int64
	UnitPrice     decimal.Decimal
	Date          time.Time
}

// RealizedGain is one (buy lot, sell) match.
type RealizedGain struct {
	ID                int64           `json:"id,omitempty"`
	UserID            int64           `json:"user_id"`
	BuyTransactionID  int64           `json:"buy_transaction_id"`
	SellTransactionID int64           `json:"sell_transaction_id"`
	InstrumentID      int64           `json:"instrument_id"`
	Quantity          int64           `json:"quantity"`
	BuyUnitCost       decimal.Decimal `json:"buy_unit_cost"`
	SellUnitCost      decimal.Decimal `json:"sell_unit_cost"`
	BuyDate           time.Time       `json:"buy_date"`
	SellDate          time.Time       `json:"sell_date"`
	HoldingDays       int             `json:"holding_days"`
	GainAmount        decimal.Decimal `json:"gain_amount"`
	Classification    Classification  `json:"classification"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	FiscalYear        string          `json:"fiscal_year"`
}

// OpenLotView is a lot as returned to reporting callers.
type OpenLotView struct {
	TransactionID  int64            `json:"transaction_id"`
	InstrumentID   int64            `json:"instrument_id"`
	Date           string           `json:"date"`
	Quantity       int64            `json:"quantity"`
	UnitCost       decimal.Decimal  `json:"unit_cost"`
	CurrentPrice   *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedGain *decimal.Decimal `json:"unrealized_gain,omitempty"`
}

// TaxSummary aggregates realized gains of one fiscal year.
type TaxSummary struct {
	FiscalYear       string          `json:"fiscal_year"`
	ShortTermGain    decimal.Decimal `json:"short_term_gain"`
	LongTermGain     decimal.Decimal `json:"long_term_gain"`
	LongTermExempt   decimal.Decimal `json:"long_term_exempt"`
	ShortTermTax     decimal.Decimal `json:"short_term_tax"`
	LongTermTax      decimal.Decimal `json:"long_term_tax"`
	EstimatedTax     decimal.Decimal `json:"estimated_tax"`
	MatchedQuantity  int64           `json:"matched_quantity"`
	RealizedGainRows int             `json:"realized_gain_rows"`
}
