package indicator

import "github.com/navid-fn/perpdesk/internal/candle"

// SMA is the simple moving average over window rows. The first window-1
// values are NaN, as is any window touching a NaN input.
func SMA(values []float32, window int) []float32 {
	out := blank(len(values))
	if window <= 0 {
		return out
	}
	var sum float64
	nans := 0
	for i, v := range values {
		if v != v {
			nans++
		} else {
			sum += float64(v)
		}
		if i >= window {
			old := values[i-window]
			if old != old {
				nans--
			} else {
				sum -= float64(old)
			}
		}
		if i >= window-1 && nans == 0 {
			out[i] = float32(sum / float64(window))
		}
	}
	return out
}

// EMA is the exponential moving average with smoothing 2/(window+1),
// seeded by the first non-NaN value.
func EMA(values []float32, window int) []float32 {
	out := blank(len(values))
	if window <= 0 {
		return out
	}
	alpha := 2 / (float64(window) + 1)
	var ema float64
	seeded := false
	for i, v := range values {
		if v != v {
			if seeded {
				out[i] = float32(ema)
			}
			continue
		}
		if !seeded {
			ema, seeded = float64(v), true
		} else {
			ema = alpha*float64(v) + (1-alpha)*ema
		}
		out[i] = float32(ema)
	}
	return out
}

// RollingMax is the maximum of the window rows ending at each index,
// excluding the current row when exclusive is set.
func RollingMax(values []float32, window int, exclusive bool) []float32 {
	return rolling(values, window, exclusive, func(a, b float32) bool { return a > b })
}

// RollingMin mirrors RollingMax.
func RollingMin(values []float32, window int, exclusive bool) []float32 {
	return rolling(values, window, exclusive, func(a, b float32) bool { return a < b })
}

func rolling(values []float32, window int, exclusive bool, better func(a, b float32) bool) []float32 {
	out := blank(len(values))
	if window <= 0 {
		return out
	}
	shift := 0
	if exclusive {
		shift = 1
	}
	// monotonic deque of indices
	deque := make([]int, 0, window)
	for i := 0; i < len(values); i++ {
		j := i - shift
		if j >= 0 && values[j] == values[j] {
			for len(deque) > 0 && !better(values[deque[len(deque)-1]], values[j]) {
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, j)
		}
		for len(deque) > 0 && deque[0] <= j-window {
			deque = deque[1:]
		}
		if j >= window-1 && len(deque) > 0 {
			out[i] = values[deque[0]]
		}
	}
	return out
}

// Column is shorthand for a candle column of the input frame.
func (in *Input) Column(symbol string, field candle.Field) []float32 {
	return in.Candles.Col(symbol, field)
}
