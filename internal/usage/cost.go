package usage

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// rate is the per-million-token price pair for a model class.
type rate struct {
	Input  float64
	Output float64
}

// costTable is the fixed, published per-1,000,000-token USD rate table.
var costTable = map[ModelClass]rate{
	ModelOpus:   {Input: 15.00, Output: 75.00},
	ModelSonnet: {Input: 3.00, Output: 15.00},
	ModelHaiku:  {Input: 0.25, Output: 1.25},
}

// ErrUnknownModelClass is returned when a record names a model class
// outside the fixed cost table.
var ErrUnknownModelClass = fmt.Errorf("usage: unknown model class")

// Cost computes round_half_up(input/1e6*P_in + output/1e6*P_out, 4).
func Cost(class ModelClass, inputTokens, outputTokens int64) (float64, error) {
	r, ok := costTable[class]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModelClass, class)
	}
	raw := float64(inputTokens)/1e6*r.Input + float64(outputTokens)/1e6*r.Output
	return roundHalfUp(raw, 4), nil
}

func roundHalfUp(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Floor(v*mult+0.5) / mult
}

// humanCost renders a cost as a human-readable dollar string for logging.
func humanCost(cost float64) string {
	return "$" + humanize.CommafWithDigits(cost, 4)
}

// humanTokens renders a token count with thousands separators for logging.
func humanTokens(n int64) string {
	return humanize.Comma(n)
}
