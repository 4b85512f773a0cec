package models

import "github.com/shopspring/decimal"

type AgeBucket struct {
	Name       string          `json:"name"`
	MinDays    int             `json:"min_days"`
	MaxDays    int             `json:"max_days"` // -1 means unbounded
	Quantity   int64           `json:"quantity"`
	Percentage decimal.Decimal `json:"percentage"`
}

type AgeDistribution struct {
	Buckets       []AgeBucket `json:"buckets"`
	TotalQuantity int64       `json:"total_quantity"`
	Skipped       []int64     `json:"skipped_instruments,omitempty"`
}
