// Package aggregate reduces a forecast sequence to summary statistics.
package aggregate

import (
	"math"
	"sort"

	"github.com/yourorg/vol-oracle/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear scales a daily variance to an annual one
const TradingDaysPerYear = 252

// DefaultTrim is the fraction cut from each end for the trimmed mean
const DefaultTrim = 0.1

// Summary describes a forecast's variance path. Volatilities are fractions
// in the units of the fitted returns.
type Summary struct {
	Mean        float64 `json:"mean_variance"`
	Median      float64 `json:"median_variance"`
	TrimmedMean float64 `json:"trimmed_mean_variance"`
	Min         float64 `json:"min_variance"`
	Max         float64 `json:"max_variance"`

	// HorizonVolatility is the volatility of the cumulative return over the whole horizon
	HorizonVolatility float64 `json:"horizon_volatility"`

	// AnnualizedVolatility scales the mean daily variance to a year
	AnnualizedVolatility float64 `json:"annualized_volatility"`
}

// Summarize computes the summary of a forecast, nil when it is empty
func Summarize(forecast model.ForecastSequence) *Summary {
	values := forecast.Values()
	if len(values) == 0 {
		return nil
	}

	total := floats.Sum(values)
	mean := stat.Mean(values, nil)

	return &Summary{
		Mean:                 mean,
		Median:               Median(values),
		TrimmedMean:          TrimmedMean(values, DefaultTrim),
		Min:                  floats.Min(values),
		Max:                  floats.Max(values),
		HorizonVolatility:    math.Sqrt(total),
		AnnualizedVolatility: math.Sqrt(mean * TradingDaysPerYear),
	}
}

// Mean returns the arithmetic mean, zero for no values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Median returns the middle value, averaging the two middle values for an even count
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// TrimmedMean drops trim of the values from each end before averaging.
// Fewer than three values, or a trim outside (0, 0.5), fall back to the plain mean.
func TrimmedMean(values []float64, trim float64) float64 {
	if len(values) < 3 || trim <= 0 || trim >= 0.5 {
		return Mean(values)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	cut := int(float64(len(sorted)) * trim)
	return Mean(sorted[cut : len(sorted)-cut])
}
