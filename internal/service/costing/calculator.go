// Package costing prices token usage against a model rate table.
package costing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// Rate holds per-model costs in cents per million tokens.
type Rate struct {
	InputCentsPerMTok  float64 `yaml:"input_cents_per_mtok"`
	OutputCentsPerMTok float64 `yaml:"output_cents_per_mtok"`
}

// defaultRates maps normalized model families to pricing. Family keys are
// matched by longest substring when no exact entry exists; unknown models
// price to zero.
var defaultRates = map[string]Rate{
	"haiku-4-5":  {InputCentsPerMTok: 100, OutputCentsPerMTok: 500},
	"haiku":      {InputCentsPerMTok: 80, OutputCentsPerMTok: 400},
	"sonnet":     {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
	"opus":       {InputCentsPerMTok: 1500, OutputCentsPerMTok: 7500},
	"grok":       {InputCentsPerMTok: 20, OutputCentsPerMTok: 50},
	"local-free": {InputCentsPerMTok: 0, OutputCentsPerMTok: 0},
	"qwen-coder": {InputCentsPerMTok: 0, OutputCentsPerMTok: 0},
}

// Calculator prices execution logs. It is pure and safe for concurrent use
// once constructed.
type Calculator struct {
	rates map[string]Rate
}

// NewCalculator returns a calculator over the built-in rate table.
func NewCalculator() *Calculator {
	return &Calculator{rates: defaultRates}
}

// NewCalculatorWithRates returns a calculator over a custom table.
func NewCalculatorWithRates(rates map[string]Rate) *Calculator {
	normalized := make(map[string]Rate, len(rates))
	for k, v := range rates {
		normalized[normalize(k)] = v
	}
	return &Calculator{rates: normalized}
}

// LoadRates reads a YAML rate table (model -> rate) and returns a
// calculator using it. The file overrides the built-in table entirely.
func LoadRates(path string) (*Calculator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=costing.LoadRates: %w", err)
	}
	var rates map[string]Rate
	if err := yaml.Unmarshal(b, &rates); err != nil {
		return nil, fmt.Errorf("op=costing.LoadRates: %w", err)
	}
	return NewCalculatorWithRates(rates), nil
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// RateFor resolves the rate for a model: exact normalized match first,
// then the longest family key contained in the model name. Unknown
// models cost zero.
func (c *Calculator) RateFor(model string) Rate {
	m := normalize(model)
	if r, ok := c.rates[m]; ok {
		return r
	}
	best := ""
	for k := range c.rates {
		if strings.Contains(m, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return Rate{}
	}
	return c.rates[best]
}

// Cost returns the cost of one execution log entry in cents.
func (c *Calculator) Cost(l domain.ExecutionLog) float64 {
	r := c.RateFor(l.ModelUsed)
	return float64(l.InputTokens)/1e6*r.InputCentsPerMTok +
		float64(l.OutputTokens)/1e6*r.OutputCentsPerMTok
}

// TierFor maps a model name to its cost tier.
func TierFor(model string) domain.ModelTier {
	m := normalize(model)
	switch {
	case strings.Contains(m, "haiku"):
		return domain.TierHaiku
	case strings.Contains(m, "sonnet"):
		return domain.TierSonnet
	case strings.Contains(m, "opus"):
		return domain.TierOpus
	case strings.Contains(m, "grok"):
		return domain.TierGrok
	case strings.Contains(m, "remote"):
		return domain.TierRemote
	default:
		return domain.TierFree
	}
}

// Summary aggregates costs across a set of execution logs.
type Summary struct {
	TotalCents float64
	ByModel    map[string]float64
	ByTier     map[domain.ModelTier]float64
	InputToks  int
	OutputToks int
}

// Aggregate sums per-model, per-tier and total costs. Summing the
// aggregates of any partition of the logs equals aggregating the whole.
func (c *Calculator) Aggregate(logs []domain.ExecutionLog) Summary {
	s := Summary{
		ByModel: make(map[string]float64),
		ByTier:  make(map[domain.ModelTier]float64),
	}
	for _, l := range logs {
		cost := c.Cost(l)
		s.TotalCents += cost
		s.ByModel[normalize(l.ModelUsed)] += cost
		s.ByTier[TierFor(l.ModelUsed)] += cost
		s.InputToks += l.InputTokens
		s.OutputToks += l.OutputTokens
	}
	return s
}
