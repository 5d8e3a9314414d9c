// Package prices fetches USD spot prices for the assets the coordinator
// tracks. Results are cached in process for a short window so balance
// displays do not hammer the upstream API.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the CoinGecko v3 API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

const defaultCacheTTL = 30 * time.Second

// tokenIDs maps asset symbols to upstream price ids.
var tokenIDs = map[string]string{
	"FLOW":  "flow",
	"USDC":  "usd-coin",
	"WORLD": "worldcoin-wld",
}

// ErrUnsupportedToken reports a symbol with no known upstream id.
type ErrUnsupportedToken struct {
	Token string
}

func (e ErrUnsupportedToken) Error() string {
	return fmt.Sprintf("unsupported token %q", e.Token)
}

// Config configures the price client.
type Config struct {
	// BaseURL overrides the upstream API root, mainly for tests.
	BaseURL string
	// CacheTTL bounds how long a fetched price is reused. Defaults to 30s.
	CacheTTL time.Duration
	// Timeout bounds each upstream request.
	Timeout time.Duration
}

type cacheEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

// Client fetches spot prices with an in-process TTL cache.
type Client struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewClient builds a price client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		ttl:     cfg.CacheTTL,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Spot returns the USD price for a token symbol such as "FLOW" or "USDC",
// serving from cache while the entry is fresh.
func (c *Client) Spot(ctx context.Context, token string) (decimal.Decimal, error) {
	symbol := strings.ToUpper(token)
	id, ok := tokenIDs[symbol]
	if !ok {
		return decimal.Zero, ErrUnsupportedToken{Token: token}
	}

	c.mu.Lock()
	if entry, ok := c.cache[id]; ok && c.now().Sub(entry.fetched) < c.ttl {
		c.mu.Unlock()
		return entry.price, nil
	}
	c.mu.Unlock()

	price, err := c.fetch(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.cache[id] = cacheEntry{price: price, fetched: c.now()}
	c.mu.Unlock()
	return price, nil
}

func (c *Client) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price for %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned status %d for %s", resp.StatusCode, id)
	}

	var body map[string]struct {
		USD json.Number `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode price response: %w", err)
	}
	entry, ok := body[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("price response carries no entry for %s", id)
	}
	price, err := decimal.NewFromString(entry.USD.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", entry.USD, err)
	}
	return price, nil
}
