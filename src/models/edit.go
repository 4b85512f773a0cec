package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewTransaction is the input for recording a trade. InstrumentID is resolved
// from Symbol when zero.
type NewTransaction struct {
	Side         Side            `json:"side"`
	Symbol       string          `json:"symbol,omitempty"`
	InstrumentID int64           `json:"instrument_id,omitempty"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fees         decimal.Decimal `json:"fees"`
	Date         string          `json:"date"`
}

// TransactionEdit carries the fields to change; nil fields are left alone.
type TransactionEdit struct {
	Side         *Side            `json:"side,omitempty"`
	InstrumentID *int64           `json:"instrument_id,omitempty"`
	Quantity     *int64           `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Fees         *decimal.Decimal `json:"fees,omitempty"`
	Date         *string          `json:"date,omitempty"`
}

// RecalcResult is returned by every successful ledger mutation.
type RecalcResult struct {
	Success       bool      `json:"success"`
	TransactionID int64     `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
	GainsDeleted  int64     `json:"gains_deleted"`
	GainsWritten  int       `json:"gains_written"`
	EarliestDate  string    `json:"earliest_affected_date"`
	InstrumentID  int64     `json:"instrument_id"`
}

// ImportResult reports a bulk import. Every row landed or none did.
type ImportResult struct {
	Success        bool      `json:"success"`
	Imported       int       `json:"imported"`
	TransactionIDs []int64   `json:"transaction_ids"`
	InstrumentIDs  []int64   `json:"instrument_ids"`
	Timestamp      time.Time `json:"timestamp"`
	GainsDeleted   int64     `json:"gains_deleted"`
	GainsWritten   int       `json:"gains_written"`
	EarliestDate   string    `json:"earliest_affected_date"`
}
