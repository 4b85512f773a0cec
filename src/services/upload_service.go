package services

import (
	"context"
	"io"
	"time"

	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/parsers"
)

type uploadServiceImpl struct {
	ledger LedgerService
}

func NewUploadService(ledger LedgerService) UploadService {
	return &uploadServiceImpl{ledger: ledger}
}

// ProcessUpload parses file with the parser registered for format and hands
// the rows to the ledger as one import.
func (s *uploadServiceImpl) ProcessUpload(ctx context.Context, file io.Reader, userID int64, format string) (*models.ImportResult, error) {
	start := time.Now()
	logger.L.Info("ProcessUpload START", "userID", userID, "format", format)

	parser, err := parsers.GetParser(format)
	if err != nil {
		return nil, err
	}
	inputs, err := parser.Parse(file)
	if err != nil {
		logger.L.Info("Upload rejected by parser", "userID", userID, "error", err)
		return nil, err
	}
	logger.L.Debug("Upload parsed", "userID", userID, "rows", len(inputs), "duration", time.Since(start))

	result, err := s.ledger.ImportTransactions(ctx, userID, inputs)
	if err != nil {
		return nil, err
	}
	logger.L.Info("ProcessUpload END", "userID", userID, "imported", result.Imported,
		"gainsWritten", result.GainsWritten, "duration", time.Since(start))
	return result, nil
}
