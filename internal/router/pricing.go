package router

import (
	"strings"

	"github.com/keel-agent/keel/pkg/models"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	inputPerM  float64
	outputPerM float64
}

// priceTable maps model name prefixes to prices. Longest prefix wins.
// Unknown models price at zero so budget enforcement degrades rather
// than blocks.
var priceTable = map[string]modelPrice{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4":    {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1":           {2.00, 8.00},
	"o3-mini":           {1.10, 4.40},
	"deepseek/deepseek": {0.27, 1.10},
	"meta-llama/":       {0.20, 0.20},
}

// assumedOutputTokens is the output allowance used when estimating the
// cost of a call before it is made.
const assumedOutputTokens = 1024

// estimateRequestCost approximates what a completion will cost before it
// runs. Input tokens use a chars/4 heuristic over the message contents;
// output is capped at the request's max tokens. Unknown and local models
// estimate zero, so the budget gate degrades to the running-total check.
func estimateRequestCost(model string, msgs []models.Message, maxTokens int) float64 {
	var chars int
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tr := range m.ToolResults {
			chars += len(tr.Content)
		}
	}
	output := int64(assumedOutputTokens)
	if maxTokens > 0 && int64(maxTokens) < output {
		output = int64(maxTokens)
	}
	return estimateCost(model, int64(chars/4), output)
}

// estimateCost computes USD cost from usage. Local models and unknown
// models cost zero.
func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	var best string
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := priceTable[best]
	return float64(inputTokens)/1e6*p.inputPerM + float64(outputTokens)/1e6*p.outputPerM
}
