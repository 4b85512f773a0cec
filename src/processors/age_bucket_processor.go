package processors

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/utils"
)

type bucketBounds struct {
	name    string
	minDays int
	maxDays int // -1: unbounded
}

var ageBuckets = []bucketBounds{
	{"0-182", 0, 182},
	{"183-365", 183, 365},
	{"366-730", 366, 730},
	{"731-1825", 731, 1825},
	{"1826+", 1826, -1},
}

// EmptyAgeDistribution returns the five buckets with zero quantity.
func EmptyAgeDistribution() models.AgeDistribution {
	dist := models.AgeDistribution{Buckets: make([]models.AgeBucket, len(ageBuckets))}
	for i, b := range ageBuckets {
		dist.Buckets[i] = models.AgeBucket{
			Name:       b.name,
			MinDays:    b.minDays,
			MaxDays:    b.maxDays,
			Percentage: decimal.Zero,
		}
	}
	return dist
}

func bucketIndex(ageDays int) int {
	for i, b := range ageBuckets {
		if ageDays >= b.minDays && (b.maxDays < 0 || ageDays <= b.maxDays) {
			return i
		}
	}
	// Negative ages (lots dated in the future) count as brand new.
	return 0
}

// AgeDistribution buckets open lots by whole days held as of asOf.
func AgeDistribution(lots []models.Lot, asOf time.Time) models.AgeDistribution {
	dist := EmptyAgeDistribution()
	for _, lot := range lots {
		if lot.RemainingQuantity <= 0 {
			continue
		}
		idx := bucketIndex(utils.DaysBetween(lot.Date, asOf))
		dist.Buckets[idx].Quantity += lot.RemainingQuantity
		dist.TotalQuantity += lot.RemainingQuantity
	}
	FillPercentages(&dist)
	return dist
}

// MergeAgeDistributions sums per-bucket quantities of independent
// distributions and recomputes percentages.
func MergeAgeDistributions(parts ...models.AgeDistribution) models.AgeDistribution {
	total := EmptyAgeDistribution()
	for _, part := range parts {
		for i := range part.Buckets {
			if i < len(total.Buckets) {
				total.Buckets[i].Quantity += part.Buckets[i].Quantity
			}
		}
		total.TotalQuantity += part.TotalQuantity
		total.Skipped = append(total.Skipped, part.Skipped...)
	}
	FillPercentages(&total)
	return total
}

// FillPercentages sets each bucket's share of the total, rounded to two
// places. A zero total leaves every percentage at zero.
func FillPercentages(dist *models.AgeDistribution) {
	for i := range dist.Buckets {
		if dist.TotalQuantity == 0 {
			dist.Buckets[i].Percentage = decimal.Zero
			continue
		}
		dist.Buckets[i].Percentage = decimal.NewFromInt(dist.Buckets[i].Quantity).
			Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromInt(dist.TotalQuantity), 2)
	}
}
