package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_Order(t *testing.T) {
	names := DefaultCatalog().Names()
	require.Equal(t, []Name{
		GetCompanyProfile,
		GetTranscripts,
		GetIncomeStatement,
		GetBalanceSheet,
		GetCashFlowStatement,
		GetKeyMetrics,
		GetFinancialEstimates,
		GetRatingsSnapshot,
		GetHistoricalRatings,
		GetHistoricalPrice,
		GetCommoditiesQuote,
		GetNews,
		GetPressReleases,
	}, names)
}

// The catalogue and the dispatcher are versioned independently; this keeps
// them reconciled.
func TestDefaultCatalog_ReconciledWithDispatcher(t *testing.T) {
	catalogued := make(map[Name]bool)
	for _, n := range DefaultCatalog().Names() {
		catalogued[n] = true
		_, ok := handlers[n]
		require.True(t, ok, "catalogue entry %s has no dispatcher handler", n)
	}
	for _, n := range HandledNames() {
		require.True(t, catalogued[n], "handler %s has no catalogue entry", n)
	}
}

func TestDefaultCatalog_DefaultsOnlyForDeclaredParameters(t *testing.T) {
	for name, rules := range defaultRules {
		spec, ok := DefaultCatalog().Lookup(name)
		require.True(t, ok, name)
		for key := range rules {
			found := false
			for _, p := range spec.Parameters {
				if p.Name == key {
					found = true
					require.False(t, p.Required, "%s.%s has a default but is required", name, key)
				}
			}
			require.True(t, found, "%s default for undeclared parameter %s", name, key)
		}
	}
}

func TestSpecSchema_Shape(t *testing.T) {
	spec, ok := DefaultCatalog().Lookup(GetFinancialEstimates)
	require.True(t, ok)

	var schema struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type string   `json:"type"`
			Enum []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(spec.Schema(), &schema))
	require.Equal(t, "object", schema.Type)
	require.Equal(t, []string{"symbol"}, schema.Required)
	require.Equal(t, []string{"quarterly", "annual"}, schema.Properties["period"].Enum)
	require.Equal(t, "string", schema.Properties["symbol"].Type)
}

func TestSpecSchema_ZeroArgumentTool(t *testing.T) {
	spec, ok := DefaultCatalog().Lookup(GetCommoditiesQuote)
	require.True(t, ok)
	require.JSONEq(t, `{"type":"object","properties":{},"required":[]}`, string(spec.Schema()))
}

func TestDefinitions(t *testing.T) {
	defs := DefaultCatalog().Definitions()
	require.Len(t, defs, 13)
	require.Equal(t, "getCompanyProfile", defs[0].Name)
	require.Equal(t, "Get the company profile for a specific stock symbol.", defs[0].Description)
	require.True(t, json.Valid(defs[0].Parameters))
}

func TestLoadCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":           `tools: []`,
		"missing name":    "tools:\n  - description: x\n",
		"duplicate":       "tools:\n  - name: a\n  - name: a\n",
		"param no type":   "tools:\n  - name: a\n    parameters:\n      - name: symbol\n",
		"duplicate param": "tools:\n  - name: a\n    parameters:\n      - {name: s, type: string}\n      - {name: s, type: string}\n",
		"not yaml":        "tools: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestCatalog_SpecsIsCopy(t *testing.T) {
	c := DefaultCatalog()
	specs := c.Specs()
	specs[0].Name = "mutated"
	require.Equal(t, GetCompanyProfile, c.Names()[0])
}
