package services

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/models"
)

// CredentialStore hands out provider credentials to outbound clients such as
// the price feed. The ledger itself never calls it.
type CredentialStore interface {
	GetActiveCredentials(ctx context.Context, provider string) ([]byte, error)
}

// PriceFeed returns the latest known price per instrument id. Ids without a
// price are simply absent from the map.
type PriceFeed interface {
	GetCurrentPrices(ctx context.Context, instrumentIDs []int64) (map[int64]decimal.Decimal, error)
}

// AuditRecorder persists the change history of ledger transactions.
type AuditRecorder interface {
	LogEdit(ctx context.Context, entry models.AuditEntry) error
	GetTrail(ctx context.Context, userID, transactionID int64) ([]models.AuditEntry, error)
}

// InstrumentDirectory resolves and registers instruments.
type InstrumentDirectory interface {
	GetBySymbol(ctx context.Context, symbol string) (*models.Instrument, error)
	GetByID(ctx context.Context, id int64) (*models.Instrument, error)
	Create(ctx context.Context, instrument models.Instrument) (*models.Instrument, error)
}

// LedgerService is the only path through which transactions and their
// realized gains change.
type LedgerService interface {
	Recalculate(ctx context.Context, userID, transactionID int64, edits models.TransactionEdit) (*models.RecalcResult, error)
	DeleteTransaction(ctx context.Context, userID, transactionID int64) (*models.RecalcResult, error)
	AddTransaction(ctx context.Context, userID int64, input models.NewTransaction) (*models.RecalcResult, error)
	RebuildAll(ctx context.Context, userID int64) (*models.RecalcResult, error)
	ImportTransactions(ctx context.Context, userID int64, inputs []models.NewTransaction) (*models.ImportResult, error)

	GetTransactions(ctx context.Context, userID, instrumentID int64) ([]models.Transaction, error)
	GetOpenLots(ctx context.Context, userID, instrumentID int64) ([]models.OpenLotView, error)
	GetRealizedGains(ctx context.Context, userID int64, fiscalYear string) ([]models.RealizedGain, error)
	GetTaxSummary(ctx context.Context, userID int64, fiscalYear string) (*models.TaxSummary, error)

	InvalidateUserCache(userID int64)
}

// UploadService parses an uploaded ledger file and imports it atomically.
type UploadService interface {
	ProcessUpload(ctx context.Context, file io.Reader, userID int64, format string) (*models.ImportResult, error)
}

// AgeService reports how long currently held quantities have been held.
type AgeService interface {
	GetAgeDistribution(ctx context.Context, userID int64, instrumentID *int64) (*models.AgeDistribution, error)
}

// Clock lets tests pin "today".
type Clock func() time.Time
