package parsers

import (
	"fmt"
	"io"
	"strings"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/models"
)

// Parser turns an uploaded file into transactions ready for validation.
type Parser interface {
	Parse(file io.Reader) ([]models.NewTransaction, error)
}

func GetParser(format string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "csv", "ledger":
		return NewLedgerCSVParser(), nil
	default:
		return nil, apperrors.Invalid("format", fmt.Sprintf("no parser available for format %q", format))
	}
}
