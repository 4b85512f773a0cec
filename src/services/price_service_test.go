package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/taxfolio/ledger/src/apperrors"
)

func TestHTTPPriceFeed(t *testing.T) {
	e := newTestEnv(t)
	acme := e.instrument(t, "ACME")
	beta := e.instrument(t, "BETA")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		symbols := r.URL.Query().Get("symbols")
		assert.Contains(t, symbols, "ACME")
		w.Header().Set("Content-Type", "application/json")
		body := `{"quoteResponse":{"result":[{"symbol":"ACME","regularMarketPrice":130.5,"currency":"USD"}],"error":null}}`
		if strings.Contains(symbols, "BETA") {
			body = `{"quoteResponse":{"result":[{"symbol":"ACME","regularMarketPrice":130.5,"currency":"USD"},{"symbol":"BETA","regularMarketPrice":0,"currency":"USD"}],"error":null}}`
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	feed := NewHTTPPriceFeed(srv.URL, 5*time.Second, time.Minute, e.dir, nil)

	prices, err := feed.GetCurrentPrices(context.Background(), []int64{acme.ID, beta.ID, 999})
	require.NoError(t, err)
	require.Contains(t, prices, acme.ID)
	assert.True(t, prices[acme.ID].Equal(dec("130.5")))
	assert.NotContains(t, prices, beta.ID, "non-positive quotes are dropped")
	assert.NotContains(t, prices, int64(999))

	prices, err = feed.GetCurrentPrices(context.Background(), []int64{acme.ID})
	require.NoError(t, err)
	assert.True(t, prices[acme.ID].Equal(dec("130.5")))
	assert.Equal(t, int32(1), hits.Load(), "cached price is served without a request")
}

func TestHTTPPriceFeed_UpstreamError(t *testing.T) {
	e := newTestEnv(t)
	acme := e.instrument(t, "ACME")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	feed := NewHTTPPriceFeed(srv.URL, 5*time.Second, time.Minute, e.dir, nil)
	_, err := feed.GetCurrentPrices(context.Background(), []int64{acme.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPPriceFeed_SendsStoredCredentials(t *testing.T) {
	e := newTestEnv(t)
	acme := e.instrument(t, "ACME")

	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"quoteResponse":{"result":[{"symbol":"ACME","regularMarketPrice":12,"currency":"USD"}],"error":null}}`))
	}))
	defer srv.Close()

	creds := NewStaticCredentialStore(map[string]string{PriceFeedProvider: "feed-token"})
	feed := NewHTTPPriceFeed(srv.URL, 5*time.Second, time.Minute, e.dir, creds)
	prices, err := feed.GetCurrentPrices(context.Background(), []int64{acme.ID})
	require.NoError(t, err)
	assert.True(t, prices[acme.ID].Equal(dec("12")))
	assert.Equal(t, "Bearer feed-token", auth.Load())

	anonymous := NewHTTPPriceFeed(srv.URL, 5*time.Second, time.Minute, e.dir, NewStaticCredentialStore(map[string]string{PriceFeedProvider: ""}))
	_, err = anonymous.GetCurrentPrices(context.Background(), []int64{acme.ID})
	require.NoError(t, err)
	assert.Equal(t, "", auth.Load())
}

func TestStaticCredentialStore(t *testing.T) {
	store := NewStaticCredentialStore(map[string]string{PriceFeedProvider: "secret", "broker": ""})

	got, err := store.GetActiveCredentials(context.Background(), PriceFeedProvider)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
	got[0] = 'X'
	again, err := store.GetActiveCredentials(context.Background(), PriceFeedProvider)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), again, "callers get a copy")

	_, err = store.GetActiveCredentials(context.Background(), "broker")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
