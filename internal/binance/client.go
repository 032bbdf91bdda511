// Package binance fetches per-lead copy-trading data from the upstream
// exchange endpoints and filters it into a typed LeadRecord.
package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeRange is the upstream lookback label used when none is given.
	DefaultTimeRange = "30D"
	// defaultLookback mirrors the 30D time range for order history bounds.
	defaultLookback = 30 * 24 * time.Hour
	// orderHistoryPageSize is the upstream maximum page size.
	orderHistoryPageSize = 100
)

// Client calls the upstream copy-trading endpoints. Each call carries its
// own timeout; the six sub-requests of FetchLead run in parallel and a
// failed sub-request degrades that sub-payload to nil.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewClient creates an upstream client. timeout applies per sub-request.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		logger:     logger.With().Str("component", "binance-client").Logger(),
	}
}

// FetchOptions tunes a single lead fetch.
type FetchOptions struct {
	TimeRange              string // upstream lookback label, default "30D"
	IncludePositionHistory bool
}

// envelope is the upstream response wrapper. success==false is a failure
// even on HTTP 200.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// FetchLead pulls all sub-payloads for one lead trader. Partial upstream
// failures never abort the record; they are recorded in FetchErrors.
func (c *Client) FetchLead(ctx context.Context, leadID string, opts FetchOptions) (*LeadRecord, error) {
	if leadID == "" {
		return nil, fmt.Errorf("leadID is required")
	}
	timeRange := opts.TimeRange
	if timeRange == "" {
		timeRange = DefaultTimeRange
	}

	now := time.Now()
	record := &LeadRecord{
		LeadID:    leadID,
		FetchedAt: now,
		TimeRange: timeRange,
		StartTime: now.Add(-defaultLookback).UnixMilli(),
		EndTime:   now.UnixMilli(),
	}

	var mu sync.Mutex
	fail := func(name string, err error) {
		mu.Lock()
		record.FetchErrors = append(record.FetchErrors, fmt.Sprintf("%s: %v", name, err))
		mu.Unlock()
		c.logger.Warn().Str("lead_id", leadID).Str("payload", name).Err(err).Msg("upstream sub-request failed")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		data, err := c.get(gctx, "/friendly/future/spot-copy-trade/common/spot-futures-last-lead", url.Values{"portfolioId": {leadID}})
		if err != nil {
			fail("leadCommon", err)
			return nil
		}
		record.LeadCommon = decodeAny(data)
		return nil
	})

	g.Go(func() error {
		data, err := c.get(gctx, "/friendly/future/copy-trade/lead-portfolio/detail", url.Values{"portfolioId": {leadID}})
		if err != nil {
			fail("portfolioDetail", err)
			return nil
		}
		record.PortfolioDetail = decodeAny(data)
		return nil
	})

	g.Go(func() error {
		data, err := c.get(gctx, "/friendly/future/copy-trade/lead-data/positions", url.Values{"portfolioId": {leadID}})
		if err != nil {
			fail("activePositions", err)
			return nil
		}
		raw := PositionsFrom(decodeAny(data))
		active, audit := FilterActivePositions(raw)
		record.ActivePositions = active
		record.PositionAudit = &audit
		return nil
	})

	g.Go(func() error {
		data, err := c.get(gctx, "/public/future/copy-trade/lead-portfolio/chart-data", url.Values{
			"dataType":    {"ROI"},
			"portfolioId": {leadID},
			"timeRange":   {timeRange},
		})
		if err != nil {
			fail("roiSeries", err)
			return nil
		}
		record.RoiSeries = RoiSeriesFrom(decodeAny(data))
		return nil
	})

	g.Go(func() error {
		data, err := c.get(gctx, "/public/future/copy-trade/lead-portfolio/performance/coin", url.Values{
			"portfolioId": {leadID},
			"timeRange":   {timeRange},
		})
		if err != nil {
			fail("assetPreferences", err)
			return nil
		}
		record.AssetPreferences = decodeAny(data)
		return nil
	})

	g.Go(func() error {
		body := map[string]interface{}{
			"portfolioId": leadID,
			"startTime":   record.StartTime,
			"endTime":     record.EndTime,
			"pageSize":    orderHistoryPageSize,
		}
		data, err := c.post(gctx, "/friendly/future/copy-trade/lead-portfolio/order-history", body)
		if err != nil {
			fail("orderHistory", err)
			return nil
		}
		decoded := decodeAny(data)
		orders := OrdersFrom(decoded)
		total := len(orders)
		if m, ok := decoded.(map[string]interface{}); ok {
			if f := SafeFloat(pick(m, "total")); f != nil {
				total = int(*f)
			}
		}
		record.OrderHistory = &OrderHistory{Total: total, AllOrders: orders}
		return nil
	})

	if opts.IncludePositionHistory {
		g.Go(func() error {
			body := map[string]interface{}{
				"portfolioId": leadID,
				"pageNumber":  1,
				"pageSize":    orderHistoryPageSize,
			}
			data, err := c.post(gctx, "/public/future/copy-trade/lead-portfolio/position-history", body)
			if err != nil {
				fail("positionHistory", err)
				return nil
			}
			record.PositionHistory = decodeAny(data)
			return nil
		})
	}

	// Sub-request errors are degraded, not returned; only an external
	// cancellation propagates.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return record, nil
}

// get performs a GET under a per-call timeout and unwraps the envelope.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

// post performs a JSON POST under a per-call timeout and unwraps the envelope.
func (c *Client) post(ctx context.Context, endpoint string, body map[string]interface{}) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("upstream returned success=false: %s", env.Message)
	}
	return env.Data, nil
}

// decodeAny unmarshals raw JSON into generic Go values, using json.Number
// so that string and numeric fields survive untouched.
func decodeAny(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
