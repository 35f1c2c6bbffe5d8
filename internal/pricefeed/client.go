package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrQuoteUnavailable is returned when the quote service has no usable
// price for the symbol.
var ErrQuoteUnavailable = errors.New("pricefeed: quote unavailable")

// DefaultTimeout bounds a single quote request.
const DefaultTimeout = 5 * time.Second

// Quoter looks up the latest price of a venue symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Client is a Quoter backed by the REST price service:
//
//	GET {base}/price/{symbol} → {"status": "success", "price": 123.45}
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a price service client. A non-positive timeout uses
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	Status string          `json:"status"`
	Price  decimal.Decimal `json:"price"`
}

// Quote normalizes symbol and fetches its current price.
func (c *Client) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key, err := NormalizeSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/price/"+url.PathEscape(key), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read quote %s: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("%w: %s returned %d", ErrQuoteUnavailable, key, resp.StatusCode)
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote %s: %w", key, err)
	}
	if qr.Status != "success" || !qr.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s status=%q price=%s", ErrQuoteUnavailable, key, qr.Status, qr.Price)
	}
	return qr.Price, nil
}
