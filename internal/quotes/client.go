// Package quotes implements the batched last-traded-price client used as the
// fallback when neither cache tier has fresh data for a position.
package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// Client fetches last traded prices from the quote REST endpoint. One
// request covers every instrument of a segment, so a cycle with N positions
// costs at most one call per segment, not N calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a quote client for the given API root.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// LastPrices returns the last traded price per instrument id. Instruments
// unknown to the venue are absent from the result, not errors.
func (c *Client) LastPrices(ctx context.Context, segment string, instrumentIDs []string) (map[string]float64, error) {
	if len(instrumentIDs) == 0 {
		return map[string]float64{}, nil
	}

	params := url.Values{}
	params.Set("segment", segment)
	params.Set("instruments", strings.Join(instrumentIDs, ","))

	reqURL := fmt.Sprintf("%s/ltp?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("quotes: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quotes: ltp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("quotes: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Prices map[string]float64 `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("quotes: decode ltp response: %w", err)
	}

	if payload.Prices == nil {
		payload.Prices = map[string]float64{}
	}
	return payload.Prices, nil
}

// Compile-time interface check.
var _ domain.QuoteFetcher = (*Client)(nil)
