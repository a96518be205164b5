package providers

import (
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// ModelPrice is the per-million-token price of a model, in USD.
type ModelPrice struct {
	InputPerMTok     float64
	OutputPerMTok    float64
	CacheReadPerMTok float64
}

// PricingTable maps model names to prices. Lookup falls back to the longest
// matching prefix so dated snapshots ("claude-sonnet-4-20250514") price like
// their family.
type PricingTable struct {
	models map[string]ModelPrice
}

// DefaultPricing returns the built-in table. Prices drift; an unknown model
// yields zero cost rather than an error, so a stale table never breaks a run.
func DefaultPricing() *PricingTable {
	return &PricingTable{models: map[string]ModelPrice{
		"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.5},
		"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3},
		"claude-haiku-4":    {InputPerMTok: 1, OutputPerMTok: 5, CacheReadPerMTok: 0.1},
		"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3},
		"claude-3-5-haiku":  {InputPerMTok: 0.8, OutputPerMTok: 4, CacheReadPerMTok: 0.08},
		"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10, CacheReadPerMTok: 1.25},
		"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6, CacheReadPerMTok: 0.075},
		"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8, CacheReadPerMTok: 0.5},
		"gpt-4.1-mini":      {InputPerMTok: 0.4, OutputPerMTok: 1.6, CacheReadPerMTok: 0.1},
		"o3":                {InputPerMTok: 2, OutputPerMTok: 8, CacheReadPerMTok: 0.5},
		"o4-mini":           {InputPerMTok: 1.1, OutputPerMTok: 4.4, CacheReadPerMTok: 0.275},
		"qwen3-max":         {InputPerMTok: 1.2, OutputPerMTok: 6},
		"deepseek-chat":     {InputPerMTok: 0.27, OutputPerMTok: 1.1},
	}}
}

// Lookup finds a price by exact name, then by longest prefix. The second
// return is false when the model is unknown.
func (p *PricingTable) Lookup(model string) (ModelPrice, bool) {
	if price, ok := p.models[model]; ok {
		return price, true
	}
	best, bestLen := ModelPrice{}, 0
	for name, price := range p.models {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = price, len(name)
		}
	}
	return best, bestLen > 0
}

// Estimate prices a usage sample. An unrecognized or empty model returns a
// zero-cost estimate.
func (p *PricingTable) Estimate(model string, usage chat.TokenUsage) chat.CostEstimate {
	price, ok := p.Lookup(model)
	if !ok {
		return chat.CostEstimate{}
	}
	in := float64(usage.InputTokens)/1e6*price.InputPerMTok +
		float64(usage.CacheReadTokens)/1e6*price.CacheReadPerMTok
	out := float64(usage.OutputTokens) / 1e6 * price.OutputPerMTok
	return chat.CostEstimate{InputUSD: in, OutputUSD: out, TotalUSD: in + out}
}
