package services

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/processors"
	"github.com/username/taxfolio/ledger/src/utils"
)

type ageServiceImpl struct {
	pool        *database.Pool
	instruments InstrumentDirectory
	now         Clock
}

func NewAgeService(pool *database.Pool, instruments InstrumentDirectory) AgeService {
	return &ageServiceImpl{pool: pool, instruments: instruments, now: time.Now}
}

// GetAgeDistribution buckets the open quantity of one instrument, or of every
// held instrument when instrumentID is nil. In the aggregate, instruments the
// directory cannot resolve are skipped and listed in Skipped.
func (s *ageServiceImpl) GetAgeDistribution(ctx context.Context, userID int64, instrumentID *int64) (*models.AgeDistribution, error) {
	asOf := utils.TruncateDay(s.now())

	if instrumentID != nil {
		if _, err := s.instruments.GetByID(ctx, *instrumentID); err != nil {
			return nil, err
		}
		lots, err := s.openLots(ctx, userID, *instrumentID)
		if err != nil {
			return nil, err
		}
		dist := processors.AgeDistribution(lots, asOf)
		return &dist, nil
	}

	lots, err := s.openLots(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	byInstrument := make(map[int64][]models.Lot)
	for _, lot := range lots {
		byInstrument[lot.InstrumentID] = append(byInstrument[lot.InstrumentID], lot)
	}
	ids := make([]int64, 0, len(byInstrument))
	for id := range byInstrument {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]models.AgeDistribution, 0, len(ids))
	var skipped []int64
	for _, id := range ids {
		if _, err := s.instruments.GetByID(ctx, id); err != nil {
			logger.L.Warn("Skipping instrument in age distribution", "userID", userID, "instrumentID", id, "error", err)
			skipped = append(skipped, id)
			continue
		}
		parts = append(parts, processors.AgeDistribution(byInstrument[id], asOf))
	}

	dist := processors.MergeAgeDistributions(parts...)
	dist.Skipped = skipped
	return &dist, nil
}

func (s *ageServiceImpl) openLots(ctx context.Context, userID, instrumentID int64) ([]models.Lot, error) {
	var lots []models.Lot
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		var err error
		lots, err = openLots(ctx, conn, userID, instrumentID, time.Time{})
		return err
	})
	if err != nil {
		logger.L.Error("Failed to derive open lots for age distribution", "userID", userID, "error", err)
		return nil, err
	}
	return lots, nil
}
