// Package coingecko fetches coin metadata (name, image, market cap) for the
// bases of the target futures symbols.
package coingecko

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	BaseURL          = "https://api.coingecko.com/api/v3"
	RequestTimeout   = 30 * time.Second
	RateLimit        = 15 * time.Second // 4 requests per minute
	MaxRetries       = 3
	RateLimitBackoff = 60 * time.Second
	PageSize         = 250
	MaxPages         = 8
)

// CoinInfo is one entry of /coins/markets.
type CoinInfo struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Image        string  `json:"image"`
	MarketCap    float64 `json:"market_cap"`
	CurrentPrice float64 `json:"current_price"`
	Rank         int     `json:"market_cap_rank"`
}

// Client is a small CoinGecko client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logrus.FieldLogger

	pageDelay    time.Duration
	retryDelay   time.Duration
	limitBackoff time.Duration
}

// NewClient creates a client against the public API.
func NewClient(logger logrus.FieldLogger) *Client {
	return &Client{
		baseURL:      BaseURL,
		httpClient:   &http.Client{Timeout: RequestTimeout},
		logger:       logger.WithField("component", "coingecko"),
		pageDelay:    RateLimit,
		retryDelay:   5 * time.Second,
		limitBackoff: RateLimitBackoff,
	}
}

// BaseAsset strips the quote asset from a futures symbol: BTCUSDT -> btc.
func BaseAsset(symbol, quote string) string {
	return strings.ToLower(strings.TrimSuffix(strings.ToUpper(symbol), strings.ToUpper(quote)))
}

// CoinsFor returns metadata for each symbol's base asset, keyed by symbol.
// When several coins share a ticker the one with the best market-cap rank
// wins. Symbols without a match are absent.
func (c *Client) CoinsFor(ctx context.Context, symbols []string, quote string) (map[string]CoinInfo, error) {
	wanted := make(map[string]string, len(symbols))
	for _, s := range symbols {
		wanted[BaseAsset(s, quote)] = s
	}

	out := make(map[string]CoinInfo, len(symbols))
	for page := 1; page <= MaxPages && len(out) < len(wanted); page++ {
		coins, err := c.fetchPage(ctx, page)
		if err != nil {
			return out, err
		}
		if len(coins) == 0 {
			break
		}

		for _, coin := range coins {
			symbol, ok := wanted[strings.ToLower(coin.Symbol)]
			if !ok {
				continue
			}
			if prev, seen := out[symbol]; seen && prev.Rank != 0 && (coin.Rank == 0 || prev.Rank <= coin.Rank) {
				continue
			}
			out[symbol] = coin
		}

		c.logger.Debugf("Fetched page %d: %d coins, matched %d/%d", page, len(coins), len(out), len(wanted))

		if len(coins) < PageSize {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(c.pageDelay):
		}
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]CoinInfo, error) {
	url := fmt.Sprintf("%s/coins/markets?vs_currency=usd&order=market_cap_desc&per_page=%d&page=%d", c.baseURL, PageSize, page)

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warnf("Retry attempt %d/%d for page %d", attempt, MaxRetries, page)
		}

		wait := c.retryDelay
		coins, err := c.get(ctx, url)
		if err == nil {
			return coins, nil
		}
		lastErr = err
		if errors.Is(err, errRateLimited) {
			c.logger.Warnf("Rate limited on page %d, waiting %v before retry...", page, c.limitBackoff)
			wait = c.limitBackoff
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("max retries exceeded for page %d: %w", page, lastErr)
}

var errRateLimited = errors.New("rate limited")

func (c *Client) get(ctx context.Context, url string) ([]CoinInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var coins []CoinInfo
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return coins, nil
}
