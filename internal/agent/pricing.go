package agent

import "strings"

// ModelPricing is the USD price per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing covers the models the LLM agents are configured with by default.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
}

// TokenCost prices a call. Unknown models are matched by prefix and otherwise cost nothing.
func TokenCost(pricing map[string]ModelPricing, model string, inputTokens, outputTokens int64) float64 {
	p, ok := pricing[model]
	if !ok {
		best := ""
		for name, candidate := range pricing {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best, p = name, candidate
			}
		}
		if best == "" {
			return 0
		}
	}
	return float64(inputTokens)/1e6*p.InputPer1M + float64(outputTokens)/1e6*p.OutputPer1M
}
