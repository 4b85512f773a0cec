package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/models"
)

func TestInstrumentDirectory(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	created, err := e.dir.Create(ctx, models.Instrument{Symbol: " acme ", Name: "Acme Corp", ISIN: "us0000000001"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "ACME", created.Symbol)
	assert.Equal(t, "US0000000001", created.ISIN)

	again, err := e.dir.Create(ctx, models.Instrument{Symbol: "ACME", Name: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, created, again, "re-registering returns the stored instrument")

	bySymbol, err := e.dir.GetBySymbol(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySymbol.ID)

	byID, err := e.dir.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", byID.Name)

	_, err = e.dir.GetBySymbol(ctx, "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = e.dir.GetByID(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = e.dir.Create(ctx, models.Instrument{Symbol: "  "})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = e.dir.Create(ctx, models.Instrument{Symbol: "BAD", ISIN: "short"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
