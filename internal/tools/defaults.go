package tools

// defaultRules is the per-tool default-resolution table. A rule applies when
// the model omitted the parameter or sent it blank.
var defaultRules = map[Name]map[string]string{
	GetHistoricalPrice:    {"period": "1y"},
	GetFinancialEstimates: {"period": "quarterly"},
}

// Defaults returns the default values declared for name.
func Defaults(name Name) map[string]string {
	rules := defaultRules[name]
	out := make(map[string]string, len(rules))
	for k, v := range rules {
		out[k] = v
	}
	return out
}

// ResolveDefaults returns a copy of args with the declared defaults filled in.
func ResolveDefaults(name Name, args Args) Args {
	out := args.clone()
	for key, def := range defaultRules[name] {
		if out.String(key) == "" {
			out[key] = def
		}
	}
	return out
}
