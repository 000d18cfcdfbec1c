package link

import (
	"math"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// RoundState returns a copy of state with numeric sub-fields normalised to
// float64 and, when precision is set, rounded to that many decimals.
// NaN and infinities become nil. Non-numeric values pass through.
func RoundState(state device.State, precision *int) device.State {
	if state == nil {
		return nil
	}
	out := make(device.State, len(state))
	for k, v := range state {
		f, ok := toFloat(v)
		if !ok {
			out[k] = v
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			out[k] = nil
			continue
		}
		if precision != nil {
			f = roundTo(f, *precision)
		}
		out[k] = f
	}
	return out
}

func roundTo(f float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(f*p) / p
}
