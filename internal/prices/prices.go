/*
This file fetches spot USD prices from the CryptoCompare API.

The planner refuses to compute swap ratios without a live price for both
tokens, so this client validates aggressively and classifies node-side
throttling for the backoff policy instead of silently returning stale data.
*/

package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/types"
)

const (
	defaultBaseURL = "https://min-api.cryptocompare.com/data/price"
	timeoutSeconds = 30
)

var ErrInvalidPriceData = errors.New("invalid price data received")

// Client implements chain.PriceSource against the CryptoCompare spot price
// endpoint. Prices are quoted by token symbol.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient returns a price client. apiKey may be empty for the public,
// heavily rate-limited tier.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeoutSeconds * time.Second},
		logger:  logger.GetForComponent("price_retriever"),
	}
}

// USDPrice fetches the spot USD price for one token. Zero, negative or
// non-finite responses are errors, never passed through.
func (c *Client) USDPrice(ctx context.Context, token types.Token) (float64, error) {
	symbol := strings.TrimSpace(strings.ToUpper(token.Symbol))
	if symbol == "" {
		return 0, fmt.Errorf("%w: token has no symbol", ErrInvalidPriceData)
	}

	query := url.Values{}
	query.Set("fsym", symbol)
	query.Set("tsyms", "USD")
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("building price request for %s: %w", symbol, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("price request for %s: %w", symbol, chain.ErrNodeTimeout)
		}
		return 0, fmt.Errorf("price request for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, fmt.Errorf("price request for %s: %w", symbol, chain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price request for %s returned status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("reading price response for %s: %w", symbol, err)
	}

	var quote struct {
		USD float64 `json:"USD"`
		// CryptoCompare reports errors with HTTP 200 and a Response field.
		Response string `json:"Response"`
		Message  string `json:"Message"`
	}
	if err := json.Unmarshal(body, &quote); err != nil {
		return 0, fmt.Errorf("decoding price response for %s: %w", symbol, err)
	}
	if quote.Response == "Error" {
		if strings.Contains(strings.ToLower(quote.Message), "rate limit") {
			return 0, fmt.Errorf("price request for %s: %s: %w", symbol, quote.Message, chain.ErrRateLimited)
		}
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidPriceData, symbol, quote.Message)
	}
	if quote.USD <= 0 || math.IsNaN(quote.USD) || math.IsInf(quote.USD, 0) {
		return 0, fmt.Errorf("%w: %s priced at %f", ErrInvalidPriceData, symbol, quote.USD)
	}

	c.logger.Debug().
		Str("symbol", symbol).
		Float64("usd", quote.USD).
		Msg("Fetched spot price")
	return quote.USD, nil
}
