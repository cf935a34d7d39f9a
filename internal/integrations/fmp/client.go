// Package fmp is a client for the Financial Modeling Prep stable REST API.
// Every method returns the upstream JSON document unchanged.
package fmp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://financialmodelingprep.com/stable"
	maxBodyBytes   = 8 << 20
	statementLimit = "5"
)

// TokenSource resolves the FMP API key.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fmp: unexpected status %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// APIError is returned when FMP answers 200 with an {"Error Message": ...} body.
type APIError struct {
	Endpoint string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fmp: %s: %s", e.Endpoint, e.Message)
}

// Client fetches financial documents from FMP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	now        func() time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticating with keys from tokens.
func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("fmp: token source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

func (c *Client) CompanyProfile(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "profile", symbol, nil)
}

// Transcripts returns the call transcript for year and quarter, or the most
// recent one when either is missing.
func (c *Client) Transcripts(ctx context.Context, symbol, year, quarter string) (json.RawMessage, error) {
	if year == "" || quarter == "" {
		return c.bySymbol(ctx, "earning-call-transcript-latest", symbol, nil)
	}
	return c.bySymbol(ctx, "earning-call-transcript", symbol, url.Values{
		"year":    {year},
		"quarter": {strings.TrimPrefix(strings.ToUpper(quarter), "Q")},
	})
}

func (c *Client) IncomeStatement(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "income-statement", symbol, url.Values{"limit": {statementLimit}})
}

func (c *Client) BalanceSheet(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "balance-sheet-statement", symbol, url.Values{"limit": {statementLimit}})
}

func (c *Client) CashFlowStatement(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "cash-flow-statement", symbol, url.Values{"limit": {statementLimit}})
}

func (c *Client) KeyMetrics(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "key-metrics", symbol, url.Values{"limit": {statementLimit}})
}

// FinancialEstimates accepts "annual" or "quarterly".
func (c *Client) FinancialEstimates(ctx context.Context, symbol, period string) (json.RawMessage, error) {
	var p string
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "annual":
		p = "annual"
	case "quarterly", "quarter":
		p = "quarter"
	default:
		return nil, fmt.Errorf("fmp: unsupported estimates period %q", period)
	}
	return c.bySymbol(ctx, "analyst-estimates", symbol, url.Values{
		"period": {p},
		"page":   {"0"},
		"limit":  {"10"},
	})
}

func (c *Client) RatingsSnapshot(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "ratings-snapshot", symbol, nil)
}

func (c *Client) HistoricalRatings(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.bySymbol(ctx, "ratings-historical", symbol, nil)
}

// HistoricalPrice returns end-of-day prices for the window ending today.
// period is a count and a unit: d, w, m or y (e.g. "30d", "1y").
func (c *Client) HistoricalPrice(ctx context.Context, symbol, period string) (json.RawMessage, error) {
	to := c.now().UTC()
	from, err := windowStart(to, period)
	if err != nil {
		return nil, err
	}
	return c.bySymbol(ctx, "historical-price-eod/light", symbol, url.Values{
		"from": {from.Format(time.DateOnly)},
		"to":   {to.Format(time.DateOnly)},
	})
}

func (c *Client) CommoditiesQuote(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "batch-commodity-quotes", nil)
}

func (c *Client) News(ctx context.Context, symbol string) (json.RawMessage, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "news/stock", url.Values{"symbols": {symbol}})
}

func (c *Client) PressReleases(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "news/press-releases-latest", url.Values{"page": {"0"}, "limit": {"20"}})
}

func (c *Client) bySymbol(ctx context.Context, endpoint, symbol string, q url.Values) (json.RawMessage, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("symbol", symbol)
	return c.get(ctx, endpoint, q)
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", errors.New("fmp: symbol is required")
	}
	return symbol, nil
}

// get issues the request with the key in the apikey header so it never
// appears in URLs echoed by errors.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) (json.RawMessage, error) {
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fmp: resolve api key: %w", err)
	}

	target := c.baseURL + "/" + endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fmp: create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fmp: %s request failed: %w", endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Endpoint: endpoint, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fmp: read %s response: %w", endpoint, err)
	}
	buf = bytes.TrimSpace(buf)
	if !json.Valid(buf) {
		return nil, fmt.Errorf("fmp: malformed %s response", endpoint)
	}
	if msg := errorMessage(buf); msg != "" {
		return nil, &APIError{Endpoint: endpoint, Message: msg}
	}
	return json.RawMessage(buf), nil
}

func errorMessage(doc []byte) string {
	if len(doc) == 0 || doc[0] != '{' {
		return ""
	}
	var payload struct {
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return ""
	}
	return payload.ErrorMessage
}
