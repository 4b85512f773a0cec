package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/logger"
	"golang.org/x/net/publicsuffix"
)

// quoteResponse is the payload of a Yahoo-style v7 quote endpoint.
type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string  `json:"symbol"`
			RegularMarketPrice float64 `json:"regularMarketPrice"`
			Currency           string  `json:"currency"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"quoteResponse"`
}

// httpPriceFeed implements PriceFeed against a quote endpoint that accepts a
// comma separated "symbols" query parameter.
type httpPriceFeed struct {
	baseURL     string
	httpClient  http.Client
	instruments InstrumentDirectory
	credentials CredentialStore
	priceCache  *cache.Cache
}

// NewHTTPPriceFeed creates a price feed for quoteURL. Prices are cached per
// instrument for cacheTTL. When credentials holds a PriceFeedProvider entry it
// is sent as a bearer token; credentials may be nil.
func NewHTTPPriceFeed(quoteURL string, timeout, cacheTTL time.Duration, instruments InstrumentDirectory, credentials CredentialStore) PriceFeed {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		logger.L.Error("Failed to create cookie jar", "error", err)
	}
	return &httpPriceFeed{
		baseURL:     quoteURL,
		httpClient:  http.Client{Jar: jar, Timeout: timeout},
		instruments: instruments,
		credentials: credentials,
		priceCache:  cache.New(cacheTTL, 2*cacheTTL),
	}
}

func (f *httpPriceFeed) GetCurrentPrices(ctx context.Context, instrumentIDs []int64) (map[int64]decimal.Decimal, error) {
	result := make(map[int64]decimal.Decimal)
	idsBySymbol := make(map[string]int64)

	for _, id := range instrumentIDs {
		key := strconv.FormatInt(id, 10)
		if cached, found := f.priceCache.Get(key); found {
			result[id] = cached.(decimal.Decimal)
			continue
		}
		inst, err := f.instruments.GetByID(ctx, id)
		if err != nil {
			logger.L.Warn("Price feed: could not resolve instrument", "instrumentID", id, "error", err)
			continue
		}
		idsBySymbol[inst.Symbol] = id
	}
	if len(idsBySymbol) == 0 {
		return result, nil
	}

	symbols := make([]string, 0, len(idsBySymbol))
	for symbol := range idsBySymbol {
		symbols = append(symbols, symbol)
	}
	quotes, err := f.fetchQuotes(ctx, symbols)
	if err != nil {
		return result, err
	}
	for symbol, price := range quotes {
		id, ok := idsBySymbol[strings.ToUpper(symbol)]
		if !ok {
			continue
		}
		result[id] = price
		f.priceCache.SetDefault(strconv.FormatInt(id, 10), price)
	}
	logger.L.Debug("Price feed: fetched quotes", "requested", len(symbols), "received", len(quotes))
	return result, nil
}

func (f *httpPriceFeed) fetchQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid price feed URL: %w", err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := f.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call quote API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("quote API returned non-OK status %d: %s", resp.StatusCode, string(body))
	}

	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	if payload.QuoteResponse.Error != nil {
		return nil, fmt.Errorf("quote API returned an error: %v", payload.QuoteResponse.Error)
	}

	prices := make(map[string]decimal.Decimal, len(payload.QuoteResponse.Result))
	for _, r := range payload.QuoteResponse.Result {
		if r.RegularMarketPrice <= 0 {
			continue
		}
		prices[r.Symbol] = decimal.NewFromFloat(r.RegularMarketPrice)
	}
	return prices, nil
}

func (f *httpPriceFeed) authorize(ctx context.Context, req *http.Request) error {
	if f.credentials == nil {
		return nil
	}
	token, err := f.credentials.GetActiveCredentials(ctx, PriceFeedProvider)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading price feed credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	return nil
}
