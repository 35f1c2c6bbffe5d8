package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// UserHeader carries the user id of an appended report.
const UserHeader = "X-User-ID"

// HTTPRecorder appends reports to a remote trade-history service:
//
//	POST {base}/manual-trades  Authorization: Bearer {token}
type HTTPRecorder struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPRecorder creates a remote recorder. A non-positive timeout
// defaults to 10 seconds.
func NewHTTPRecorder(baseURL, token string, timeout time.Duration) *HTTPRecorder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRecorder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// appendRequest is the remote payload. The user travels in the
// X-User-ID header; the remote side may derive it from the token instead.
type appendRequest struct {
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	IsWin      bool            `json:"is_win"`
	Notes      string          `json:"notes"`
}

func (h *HTTPRecorder) Record(ctx context.Context, r model.TradeReport) error {
	body, err := json.Marshal(appendRequest{
		Symbol:     r.Symbol,
		EntryPrice: r.EntryPrice,
		ExitPrice:  r.ExitPrice,
		PnL:        r.PnL,
		IsWin:      r.IsWin,
		Notes:      r.Notes,
	})
	if err != nil {
		return fmt.Errorf("encode trade report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/manual-trades", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trade report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, r.UserID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post trade report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post trade report: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
