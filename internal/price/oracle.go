// Package price looks up USD prices for display estimates. Prices never
// gate a transfer.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/cache"
	"potrails/internal/chain"
)

// Oracle returns the USD price of one whole unit of an asset.
type Oracle interface {
	USDPrice(ctx context.Context, asset chain.Asset) (decimal.Decimal, error)
}

// EstimateUSD values a base-unit amount. It returns an invalid NullDecimal
// when the oracle has no price.
func EstimateUSD(ctx context.Context, o Oracle, asset chain.Asset, base decimal.Decimal) decimal.NullDecimal {
	if o == nil {
		return decimal.NullDecimal{}
	}
	p, err := o.USDPrice(ctx, asset)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(amount.FromBase(base, asset.Decimals).Mul(p).Round(2))
}

// Static serves fixed prices keyed by asset symbol.
type Static map[string]decimal.Decimal

func (s Static) USDPrice(_ context.Context, asset chain.Asset) (decimal.Decimal, error) {
	p, ok := s[strings.ToUpper(asset.Symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", asset.Symbol)
	}
	return p, nil
}

// HTTPOracle reads a JSON feed of the form {"SYMBOL": {"usd": "1.23"}} and
// caches each symbol for the configured TTL.
type HTTPOracle struct {
	feedURL string
	client  *http.Client
	cache   *cache.TTL[string, decimal.Decimal]
}

func NewHTTPOracle(feedURL string, ttl time.Duration, size int, client *http.Client) *HTTPOracle {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPOracle{
		feedURL: feedURL,
		client:  client,
		cache:   cache.New[string, decimal.Decimal](size, ttl),
	}
}

func (o *HTTPOracle) USDPrice(ctx context.Context, asset chain.Asset) (decimal.Decimal, error) {
	symbol := strings.ToUpper(asset.Symbol)
	return o.cache.GetOrLoad(ctx, symbol, func(ctx context.Context) (decimal.Decimal, error) {
		return o.fetch(ctx, symbol)
	})
}

func (o *HTTPOracle) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u, err := url.Parse(o.feedURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed url: %w", err)
	}
	q := u.Query()
	q.Set("symbols", symbol)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned %s", resp.Status)
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode price feed: %w", err)
	}
	entry, ok := body[symbol]
	if !ok || !entry.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("price feed has no quote for %s", symbol)
	}
	return entry.USD, nil
}
