package processors

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/models"
)

// TaxPolicy decides holding-period classification, the applicable rate and
// the fiscal year of a realized gain.
type TaxPolicy struct {
	// A match is long-term only when held strictly longer than this many days.
	LongTermThresholdDays int
	ShortTermRate         decimal.Decimal
	LongTermRate          decimal.Decimal
	LongTermExemption     decimal.Decimal
	FiscalYearStartMonth  time.Month
}

func DefaultTaxPolicy() TaxPolicy {
	return TaxPolicy{
		LongTermThresholdDays: 365,
		ShortTermRate:         decimal.RequireFromString("0.20"),
		LongTermRate:          decimal.RequireFromString("0.125"),
		LongTermExemption:     decimal.NewFromInt(125000),
		FiscalYearStartMonth:  time.April,
	}
}

func (p TaxPolicy) Classify(holdingDays int) models.Classification {
	if holdingDays > p.LongTermThresholdDays {
		return models.LongTerm
	}
	return models.ShortTerm
}

func (p TaxPolicy) Rate(c models.Classification) decimal.Decimal {
	if c == models.LongTerm {
		return p.LongTermRate
	}
	return p.ShortTermRate
}

// FiscalYear labels the year containing d, e.g. "2024-25" for an April start.
// With a January start the label is the plain calendar year.
func (p TaxPolicy) FiscalYear(d time.Time) string {
	start := p.FiscalYearStartMonth
	if start <= time.January {
		return fmt.Sprintf("%d", d.Year())
	}
	year := d.Year()
	if d.Month() < start {
		year--
	}
	return fmt.Sprintf("%d-%02d", year, (year+1)%100)
}

// ValidFiscalYear reports whether label has the shape FiscalYear produces.
func (p TaxPolicy) ValidFiscalYear(label string) bool {
	var start, end int
	if p.FiscalYearStartMonth <= time.January {
		_, err := fmt.Sscanf(label, "%4d", &start)
		return err == nil && len(label) == 4
	}
	if len(label) != 7 {
		return false
	}
	if _, err := fmt.Sscanf(label, "%4d-%2d", &start, &end); err != nil {
		return false
	}
	return (start+1)%100 == end
}

// Summarize nets the short- and long-term gains of one fiscal year and
// estimates the tax due. Net losses in a class produce no tax for that class.
func (p TaxPolicy) Summarize(fiscalYear string, gains []models.RealizedGain) models.TaxSummary {
	summary := models.TaxSummary{
		FiscalYear:     fiscalYear,
		ShortTermGain:  decimal.Zero,
		LongTermGain:   decimal.Zero,
		LongTermExempt: decimal.Zero,
	}
	for _, g := range gains {
		if g.FiscalYear != fiscalYear {
			continue
		}
		switch g.Classification {
		case models.LongTerm:
			summary.LongTermGain = summary.LongTermGain.Add(g.GainAmount)
		default:
			summary.ShortTermGain = summary.ShortTermGain.Add(g.GainAmount)
		}
		summary.MatchedQuantity += g.Quantity
		summary.RealizedGainRows++
	}

	taxableShort := decimal.Max(summary.ShortTermGain, decimal.Zero)
	taxableLong := decimal.Max(summary.LongTermGain, decimal.Zero)
	summary.LongTermExempt = decimal.Min(taxableLong, p.LongTermExemption)
	taxableLong = taxableLong.Sub(summary.LongTermExempt)

	summary.ShortTermTax = taxableShort.Mul(p.ShortTermRate).Round(models.MoneyPrecision)
	summary.LongTermTax = taxableLong.Mul(p.LongTermRate).Round(models.MoneyPrecision)
	summary.EstimatedTax = summary.ShortTermTax.Add(summary.LongTermTax)
	return summary
}
