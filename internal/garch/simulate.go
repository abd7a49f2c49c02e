package garch

import (
	"math"
	"math/rand"
	"time"

	"github.com/yourorg/vol-oracle/internal/model"
)

// Simulate draws n returns from a GARCH(1,1) process with Gaussian
// innovations, started at its unconditional variance.
func Simulate(rng *rand.Rand, n int, omega, alpha, beta float64) []float64 {
	variance := omega / (1 - alpha - beta)
	out := make([]float64, n)
	prev := 0.0
	for i := range out {
		if i > 0 {
			variance = omega + alpha*prev*prev + beta*variance
		}
		out[i] = math.Sqrt(variance) * rng.NormFloat64()
		prev = out[i]
	}
	return out
}

// SimulatePrices compounds simulated percentage returns into a daily price
// path of n+1 observations starting at start with price 100.
func SimulatePrices(rng *rand.Rand, start time.Time, n int, omega, alpha, beta float64) []model.Observation {
	returns := Simulate(rng, n, omega, alpha, beta)
	prices := make([]model.Observation, n+1)
	prices[0] = model.Observation{Timestamp: start, Value: 100}
	for i, r := range returns {
		prices[i+1] = model.Observation{
			Timestamp: start.AddDate(0, 0, i+1),
			Value:     prices[i].Value * (1 + r/100),
		}
	}
	return prices
}
