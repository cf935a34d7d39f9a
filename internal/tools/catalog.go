package tools

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"finsight-agent/internal/domain"
)

// Name identifies a tool. The set of names is closed: adding a tool means
// adding a constant, a catalogue entry and a dispatcher handler.
type Name string

const (
	GetCompanyProfile     Name = "getCompanyProfile"
	GetTranscripts        Name = "getTranscripts"
	GetIncomeStatement    Name = "getIncomeStatement"
	GetBalanceSheet       Name = "getBalanceSheet"
	GetCashFlowStatement  Name = "getCashFlowStatement"
	GetKeyMetrics         Name = "getKeyMetrics"
	GetFinancialEstimates Name = "getFinancialEstimates"
	GetRatingsSnapshot    Name = "getRatingsSnapshot"
	GetHistoricalRatings  Name = "getHistoricalRatings"
	GetHistoricalPrice    Name = "getHistoricalPrice"
	GetCommoditiesQuote   Name = "getCommoditiesQuote"
	GetNews               Name = "getNews"
	GetPressReleases      Name = "getPressReleases"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Parameter describes one argument in a tool's parameter contract.
type Parameter struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required"`
	Description string   `yaml:"description"`
	Enum        []string `yaml:"enum,omitempty"`
}

// Spec is an immutable catalogue entry.
type Spec struct {
	Name        Name        `yaml:"name"`
	Description string      `yaml:"description"`
	Parameters  []Parameter `yaml:"parameters"`
}

type catalogFile struct {
	Tools []Spec `yaml:"tools"`
}

type propertySchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type objectSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]propertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// Schema renders the parameter contract as a JSON Schema object.
func (s Spec) Schema() json.RawMessage {
	obj := objectSchema{
		Type:       "object",
		Properties: make(map[string]propertySchema, len(s.Parameters)),
		Required:   make([]string, 0, len(s.Parameters)),
	}
	for _, p := range s.Parameters {
		obj.Properties[p.Name] = propertySchema{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Required {
			obj.Required = append(obj.Required, p.Name)
		}
	}
	// Only string/slice/map fields; marshalling cannot fail.
	raw, _ := json.Marshal(obj)
	return raw
}

// Catalog is the ordered, read-only tool catalogue.
type Catalog struct {
	specs []Spec
	index map[Name]int
}

// LoadCatalog parses a YAML catalogue document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tools: decode catalog: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, errors.New("tools: catalog has no tools")
	}
	c := &Catalog{specs: f.Tools, index: make(map[Name]int, len(f.Tools))}
	for i, spec := range f.Tools {
		if strings.TrimSpace(string(spec.Name)) == "" {
			return nil, fmt.Errorf("tools: catalog entry %d has no name", i)
		}
		if _, dup := c.index[spec.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate catalog entry %q", spec.Name)
		}
		seen := make(map[string]bool, len(spec.Parameters))
		for _, p := range spec.Parameters {
			if p.Name == "" || p.Type == "" {
				return nil, fmt.Errorf("tools: %s: parameter needs a name and a type", spec.Name)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("tools: %s: duplicate parameter %q", spec.Name, p.Name)
			}
			seen[p.Name] = true
		}
		c.index[spec.Name] = i
	}
	return c, nil
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := LoadCatalog(catalogYAML)
	if err != nil {
		panic(err)
	}
	return c
})

// DefaultCatalog returns the embedded catalogue. A malformed embedded file is a
// build defect and panics.
func DefaultCatalog() *Catalog {
	return defaultCatalog()
}

// Specs returns the catalogue entries in declaration order.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name Name) (Spec, bool) {
	i, ok := c.index[name]
	if !ok {
		return Spec{}, false
	}
	return c.specs[i], true
}

// Names returns the tool names in declaration order.
func (c *Catalog) Names() []Name {
	names := make([]Name, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.Name
	}
	return names
}

// Definitions renders the catalogue for the model provider.
func (c *Catalog) Definitions() []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, len(c.specs))
	for i, s := range c.specs {
		defs[i] = domain.ToolDefinition{
			Name:        string(s.Name),
			Description: s.Description,
			Parameters:  s.Schema(),
		}
	}
	return defs
}
