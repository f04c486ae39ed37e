// Package pricing converts token usage into a billed dollar amount using a
// static per-model price table.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"relay-api/internal/shared"
)

// Price is the per-unit dollar cost for one model: Input and Output are per
// token, Search is per search query on search-augmented models.
type Price struct {
	Input  float64
	Output float64
	Search float64
}

type Table map[string]Price

// DefaultTable returns the published per-token prices for every model the
// router can dispatch.
func DefaultTable() Table {
	return Table{
		"gpt-4o":            {Input: 0.000005, Output: 0.00002},
		"gpt-4o-mini":       {Input: 0.00000015, Output: 0.0000006},
		"o1-mini":           {Input: 0.0000022, Output: 0.0000088},
		"o3-mini":           {Input: 0.0000022, Output: 0.0000088},
		"chatgpt-4o-latest": {Input: 0.00001, Output: 0.00003},
		"gpt-4-turbo":       {Input: 0.00002, Output: 0.00006},
		"gpt-4":             {Input: 0.00006, Output: 0.00012},
		"gpt-3.5-turbo":     {Input: 0.000001, Output: 0.000003},

		"sonar":           {Input: 0.000001, Output: 0.000001, Search: 0.005},
		"sonar-pro":       {Input: 0.000003, Output: 0.000015, Search: 0.005},
		"sonar-reasoning": {Input: 0.000001, Output: 0.000005, Search: 0.005},
	}
}

// CalculateCost is a pure function of its inputs and the table: equal inputs
// yield bit-identical output. The result is rounded to a fixed number of
// fractional-dollar decimal places.
func (t Table) CalculateCost(promptTokens, completionTokens, searches uint64, model string) (float64, error) {
	price, ok := t[model]
	if !ok {
		return 0, errors.Join(shared.ErrUnknownModel, fmt.Errorf("no price entry for model %q", model))
	}

	cost := float64(promptTokens)*price.Input +
		float64(completionTokens)*price.Output +
		float64(searches)*price.Search
	return roundCost(cost), nil
}

// CostFromUsage bills authoritative provider usage.
func (t Table) CostFromUsage(usage *shared.Usage, model string) (float64, error) {
	return t.CalculateCost(usage.PromptTokens, usage.CompletionTokens, usage.SearchQueries, model)
}

func roundCost(cost float64) float64 {
	shift := math.Pow(10, shared.CostDecimalPlaces)
	return math.Round(cost*shift) / shift
}
