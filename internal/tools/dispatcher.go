package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// DataSource is the financial data capability. Every method performs one
// outbound fetch and returns the provider's document untouched.
type DataSource interface {
	CompanyProfile(ctx context.Context, symbol string) (json.RawMessage, error)
	Transcripts(ctx context.Context, symbol, year, quarter string) (json.RawMessage, error)
	IncomeStatement(ctx context.Context, symbol string) (json.RawMessage, error)
	BalanceSheet(ctx context.Context, symbol string) (json.RawMessage, error)
	CashFlowStatement(ctx context.Context, symbol string) (json.RawMessage, error)
	KeyMetrics(ctx context.Context, symbol string) (json.RawMessage, error)
	FinancialEstimates(ctx context.Context, symbol, period string) (json.RawMessage, error)
	RatingsSnapshot(ctx context.Context, symbol string) (json.RawMessage, error)
	HistoricalRatings(ctx context.Context, symbol string) (json.RawMessage, error)
	HistoricalPrice(ctx context.Context, symbol, period string) (json.RawMessage, error)
	CommoditiesQuote(ctx context.Context) (json.RawMessage, error)
	News(ctx context.Context, symbol string) (json.RawMessage, error)
	PressReleases(ctx context.Context) (json.RawMessage, error)
}

// UnknownToolError reports a call request for a name with no handler.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "tools: unknown function " + e.Name
}

// DataFetchError wraps a failure of the data capability.
type DataFetchError struct {
	Tool string
	Err  error
}

func (e *DataFetchError) Error() string {
	return fmt.Sprintf("tools: %s: %v", e.Tool, e.Err)
}

func (e *DataFetchError) Unwrap() error {
	return e.Err
}

type handlerFunc func(ctx context.Context, src DataSource, args Args) (json.RawMessage, error)

func symbolHandler(fetch func(DataSource, context.Context, string) (json.RawMessage, error)) handlerFunc {
	return func(ctx context.Context, src DataSource, args Args) (json.RawMessage, error) {
		return fetch(src, ctx, args.String("symbol"))
	}
}

// handlers is the closed mapping from tool name to invocation. It is kept
// reconciled with catalog.yaml by test rather than derived from it.
var handlers = map[Name]handlerFunc{
	GetCompanyProfile: symbolHandler(DataSource.CompanyProfile),
	GetTranscripts: func(ctx context.Context, src DataSource, args Args) (json.RawMessage, error) {
		return src.Transcripts(ctx, args.String("symbol"), args.String("year"), args.String("quarter"))
	},
	GetIncomeStatement:   symbolHandler(DataSource.IncomeStatement),
	GetBalanceSheet:      symbolHandler(DataSource.BalanceSheet),
	GetCashFlowStatement: symbolHandler(DataSource.CashFlowStatement),
	GetKeyMetrics:        symbolHandler(DataSource.KeyMetrics),
	GetFinancialEstimates: func(ctx context.Context, src DataSource, args Args) (json.RawMessage, error) {
		return src.FinancialEstimates(ctx, args.String("symbol"), args.String("period"))
	},
	GetRatingsSnapshot:   symbolHandler(DataSource.RatingsSnapshot),
	GetHistoricalRatings: symbolHandler(DataSource.HistoricalRatings),
	GetHistoricalPrice: func(ctx context.Context, src DataSource, args Args) (json.RawMessage, error) {
		return src.HistoricalPrice(ctx, args.String("symbol"), args.String("period"))
	},
	// Commodities and press releases are not symbol scoped; a symbol sent by
	// the model is ignored.
	GetCommoditiesQuote: func(ctx context.Context, src DataSource, _ Args) (json.RawMessage, error) {
		return src.CommoditiesQuote(ctx)
	},
	GetNews: symbolHandler(DataSource.News),
	GetPressReleases: func(ctx context.Context, src DataSource, _ Args) (json.RawMessage, error) {
		return src.PressReleases(ctx)
	},
}

// Dispatcher resolves tool-call requests into data fetches.
type Dispatcher struct {
	src DataSource
}

// NewDispatcher creates a Dispatcher backed by src.
func NewDispatcher(src DataSource) (*Dispatcher, error) {
	if src == nil {
		return nil, errors.New("tools: data source must not be nil")
	}
	return &Dispatcher{src: src}, nil
}

// Dispatch invokes the handler registered for name exactly once. Unknown names
// fail with *UnknownToolError before any fetch; capability failures come back
// as *DataFetchError.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args Args) (json.RawMessage, error) {
	h, ok := handlers[Name(name)]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	out, err := h(ctx, d.src, ResolveDefaults(Name(name), args))
	if err != nil {
		return nil, &DataFetchError{Tool: name, Err: err}
	}
	return out, nil
}

// HandledNames returns every name with a handler, sorted.
func HandledNames() []Name {
	names := make([]Name, 0, len(handlers))
	for n := range handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
