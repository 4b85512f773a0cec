package parsers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/security/validation"
)

var requiredColumns = []string{"date", "side", "symbol", "quantity", "price"}

// LedgerCSVParser reads the plain ledger export: a header row naming the
// columns date, side, symbol, quantity, price and optionally fees, in any
// order. Blank lines are skipped.
type LedgerCSVParser struct {
	MaxRows int
}

func NewLedgerCSVParser() *LedgerCSVParser {
	return &LedgerCSVParser{MaxRows: 10000}
}

func (p *LedgerCSVParser) Parse(file io.Reader) ([]models.NewTransaction, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperrors.Invalid("file", "empty file")
	}
	if err != nil {
		return nil, apperrors.Invalid("file", fmt.Sprintf("failed to read CSV header: %v", err))
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(validation.CleanCell(name))
		columns[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, apperrors.Invalid("file", fmt.Sprintf("missing column %q", name))
		}
	}

	var txs []models.NewTransaction
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, apperrors.Invalid(rowField(line), fmt.Sprintf("malformed CSV: %v", err))
		}
		if blank(record) {
			continue
		}
		if p.MaxRows > 0 && len(txs) >= p.MaxRows {
			return nil, apperrors.Invalid("file", fmt.Sprintf("more than %d transactions", p.MaxRows))
		}
		tx, err := parseRecord(record, columns, line)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return nil, apperrors.Invalid("file", "no transactions found")
	}
	return txs, nil
}

func parseRecord(record []string, columns map[string]int, line int) (models.NewTransaction, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return validation.CleanCell(record[i])
	}

	qty, err := strconv.ParseInt(field("quantity"), 10, 64)
	if err != nil {
		return models.NewTransaction{}, apperrors.Invalid(rowField(line)+": quantity", "must be a whole number")
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return models.NewTransaction{}, apperrors.Invalid(rowField(line)+": price", "must be a decimal")
	}
	fees := decimal.Zero
	if raw := field("fees"); raw != "" {
		if fees, err = decimal.NewFromString(raw); err != nil {
			return models.NewTransaction{}, apperrors.Invalid(rowField(line)+": fees", "must be a decimal")
		}
	}

	return models.NewTransaction{
		Side:     models.Side(strings.ToUpper(field("side"))),
		Symbol:   field("symbol"),
		Quantity: qty,
		Price:    price,
		Fees:     fees,
		Date:     field("date"),
	}, nil
}

func rowField(line int) string {
	return "row " + strconv.Itoa(line)
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
