// Package polygon fetches XAUUSD aggregate bars from the Polygon.io REST API.
//
// Usage example:
//
//	c := polygon.New(polygon.Config{APIKey: "your_api_key"}, log)
//	bar, err := c.DailyBar(ctx, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC))
//	if errors.Is(err, model.ErrNoData) { ... }
package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pivot-signals/internal/model"
)

const (
	defaultBaseURL = "https://api.polygon.io"
	defaultTicker  = "C:XAUUSD"
	maxLimit       = 50000
)

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string        // default: https://api.polygon.io
	Ticker     string        // default: C:XAUUSD
	Timeout    time.Duration // per request, default 10s
	RateLimit  int           // requests per minute, 0 = unlimited
	MaxRetries uint64        // retries of transient failures, default 2
}

// Client implements model.MarketData.
type Client struct {
	apiKey     string
	baseURL    string
	ticker     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    uint64
	log        zerolog.Logger
}

// APIError is a non-2xx response or an ERROR status body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("polygon: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// New creates a client.
func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		ticker:  cfg.Ticker,
		retries: cfg.MaxRetries,
		log:     log.With().Str("component", "polygon").Logger(),
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.ticker == "" {
		c.ticker = defaultTicker
	}
	if c.retries == 0 {
		c.retries = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.httpClient = &http.Client{Timeout: timeout}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit)), 1)
	}
	return c
}

// agg is one element of the aggregates "results" array.
type agg struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	T      int64   `json:"t"` // bar start, unix ms
}

func (a agg) bar() model.OHLCBar {
	return model.OHLCBar{
		Open:      a.Open,
		High:      a.High,
		Low:       a.Low,
		Close:     a.Close,
		Volume:    int64(a.Volume),
		Timestamp: time.UnixMilli(a.T).UTC(),
	}
}

type aggsResponse struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"resultsCount"`
	Results      []agg  `json:"results"`
	Error        string `json:"error"`
	Message      string `json:"message"`
}

// DailyBar returns the completed daily bar of day's UTC date.
func (c *Client) DailyBar(ctx context.Context, day time.Time) (model.OHLCBar, error) {
	d := day.UTC().Format("2006-01-02")
	res, err := c.aggs(ctx, "day", d, d, "desc", 1)
	if err != nil {
		return model.OHLCBar{}, err
	}
	if len(res) == 0 {
		return model.OHLCBar{}, fmt.Errorf("daily bar %s: %w", d, model.ErrNoData)
	}
	return res[0].bar(), nil
}

// LatestMinuteBar returns the most recent 1-minute bar of now's UTC day.
func (c *Client) LatestMinuteBar(ctx context.Context, now time.Time) (model.OHLCBar, error) {
	d := now.UTC().Format("2006-01-02")
	res, err := c.aggs(ctx, "minute", d, d, "desc", 1)
	if err != nil {
		return model.OHLCBar{}, err
	}
	if len(res) == 0 {
		return model.OHLCBar{}, fmt.Errorf("minute bar %s: %w", d, model.ErrNoData)
	}
	return res[0].bar(), nil
}

// SessionBar aggregates the 1-minute bars starting in [from, to): first
// open, max high, min low, last close, summed volume, last timestamp.
func (c *Client) SessionBar(ctx context.Context, from, to time.Time) (model.OHLCBar, error) {
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	res, err := c.aggs(ctx, "minute", strconv.FormatInt(fromMs, 10), strconv.FormatInt(toMs-1, 10), "asc", maxLimit)
	if err != nil {
		return model.OHLCBar{}, err
	}
	var out model.OHLCBar
	n := 0
	for _, a := range res {
		if a.T < fromMs || a.T >= toMs {
			continue
		}
		out = out.Merge(a.bar())
		n++
	}
	if n == 0 {
		return model.OHLCBar{}, fmt.Errorf("session bar %s-%s: %w",
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), model.ErrNoData)
	}
	c.log.Debug().Int("bars", n).Time("from", from).Time("to", to).Msg("aggregated session bar")
	return out, nil
}

func (c *Client) aggs(ctx context.Context, timespan, from, to, sort string, limit int) ([]agg, error) {
	reqURL := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/%s/%s/%s",
		c.baseURL, url.PathEscape(c.ticker), timespan, from, to)
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", sort)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("apiKey", c.apiKey)
	reqURL += "?" + q.Encode()

	var out []agg
	op := func() error {
		res, err := c.get(ctx, reqURL)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", wait).Str("timespan", timespan).Msg("aggregates request failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]agg, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("polygon: rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polygon: read body: %w", err)
	}

	var body aggsResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("polygon: couldn't parse JSON response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status == "ERROR" {
		msg := body.Error
		if msg == "" {
			msg = body.Message
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body.Results, nil
}
