package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/taxfolio/ledger/src/models"
)

func TestAgeDistribution_BucketBoundaries(t *testing.T) {
	asOf := d("2025-01-01")
	at := func(days int) string { return asOf.AddDate(0, 0, -days).Format("2006-01-02") }

	lots := []models.Lot{
		lot(1, at(0), 1, "1", 1),
		lot(2, at(182), 2, "1", 2),
		lot(3, at(183), 3, "1", 4),
		lot(4, at(365), 4, "1", 8),
		lot(5, at(366), 5, "1", 16),
		lot(6, at(730), 6, "1", 32),
		lot(7, at(731), 7, "1", 64),
		lot(8, at(1825), 8, "1", 128),
		lot(9, at(1826), 9, "1", 256),
	}

	dist := AgeDistribution(lots, asOf)
	require.Len(t, dist.Buckets, 5)
	assert.Equal(t, []string{"0-182", "183-365", "366-730", "731-1825", "1826+"},
		[]string{dist.Buckets[0].Name, dist.Buckets[1].Name, dist.Buckets[2].Name, dist.Buckets[3].Name, dist.Buckets[4].Name})
	assert.Equal(t, int64(3), dist.Buckets[0].Quantity)
	assert.Equal(t, int64(12), dist.Buckets[1].Quantity)
	assert.Equal(t, int64(48), dist.Buckets[2].Quantity)
	assert.Equal(t, int64(192), dist.Buckets[3].Quantity)
	assert.Equal(t, int64(256), dist.Buckets[4].Quantity)
	assert.Equal(t, int64(511), dist.TotalQuantity)
}

func TestAgeDistribution_Percentages(t *testing.T) {
	asOf := d("2025-01-01")
	lots := []models.Lot{
		lot(1, "2024-12-01", 1, "1", 1),
		lot(2, "2020-01-01", 2, "1", 3),
	}
	dist := AgeDistribution(lots, asOf)
	assert.True(t, dist.Buckets[0].Percentage.Equal(dec("25")))
	assert.True(t, dist.Buckets[4].Percentage.Equal(dec("75")))
	assert.True(t, dist.Buckets[2].Percentage.IsZero())
}

func TestAgeDistribution_ZeroTotal(t *testing.T) {
	closed := lot(1, "2024-01-01", 1, "1", 5)
	closed.RemainingQuantity = 0

	for _, lots := range [][]models.Lot{nil, {closed}} {
		dist := AgeDistribution(lots, d("2025-01-01"))
		assert.Equal(t, int64(0), dist.TotalQuantity)
		for _, b := range dist.Buckets {
			assert.True(t, b.Percentage.IsZero(), "bucket %s", b.Name)
		}
	}
}

func TestMergeAgeDistributions(t *testing.T) {
	asOf := d("2025-01-01")
	a := AgeDistribution([]models.Lot{lot(1, "2024-12-01", 1, "1", 10)}, asOf)
	b := AgeDistribution([]models.Lot{lot(2, "2024-12-15", 2, "1", 10), lot(3, "2022-01-01", 3, "1", 20)}, asOf)

	merged := MergeAgeDistributions(a, b)
	assert.Equal(t, int64(40), merged.TotalQuantity)
	assert.Equal(t, int64(20), merged.Buckets[0].Quantity)
	assert.True(t, merged.Buckets[0].Percentage.Equal(dec("50")))
	assert.Equal(t, int64(20), merged.Buckets[3].Quantity)

	empty := MergeAgeDistributions()
	assert.Equal(t, int64(0), empty.TotalQuantity)
	assert.Len(t, empty.Buckets, 5)
}
