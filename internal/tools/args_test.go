package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArguments(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    Args
		wantErr bool
	}{
		{name: "object", raw: `{"symbol":"AAPL"}`, want: Args{"symbol": "AAPL"}},
		{name: "blank", raw: "  ", want: Args{}},
		{name: "null", raw: "null", want: Args{}},
		{name: "truncated", raw: `{"symbol":"AA`, want: Args{}, wantErr: true},
		{name: "array", raw: `["AAPL"]`, want: Args{}, wantErr: true},
		{name: "prose", raw: `symbol=AAPL`, want: Args{}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseArguments(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestArgsString(t *testing.T) {
	args, err := ParseArguments(`{"s":" AAPL ","n":2025,"f":1.5,"b":true,"o":{"x":1}}`)
	require.NoError(t, err)
	require.Equal(t, "AAPL", args.String("s"))
	require.Equal(t, "2025", args.String("n"))
	require.Equal(t, "1.5", args.String("f"))
	require.Equal(t, "true", args.String("b"))
	require.Equal(t, "", args.String("o"))
	require.Equal(t, "", args.String("missing"))
}

func TestResolveDefaults(t *testing.T) {
	in := Args{"symbol": "AAPL"}
	out := ResolveDefaults(GetHistoricalPrice, in)
	require.Equal(t, "1y", out.String("period"))
	require.NotContains(t, in, "period", "input must not be mutated")

	out = ResolveDefaults(GetHistoricalPrice, Args{"period": ""})
	require.Equal(t, "1y", out.String("period"))

	out = ResolveDefaults(GetFinancialEstimates, Args{"period": "annual"})
	require.Equal(t, "annual", out.String("period"))

	out = ResolveDefaults(GetIncomeStatement, nil)
	require.Empty(t, out)
}

func TestDefaults(t *testing.T) {
	require.Equal(t, map[string]string{"period": "1y"}, Defaults(GetHistoricalPrice))
	require.Equal(t, map[string]string{"period": "quarterly"}, Defaults(GetFinancialEstimates))
	require.Empty(t, Defaults(GetNews))
}
