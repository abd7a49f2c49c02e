// Package validation checks inbound requests and cleans price observations
// before they reach the instrument store.
package validation

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
)

// ValidationOptions holds configuration for observation cleaning
type ValidationOptions struct {
	// MaxFutureSkew is how far past now an observation timestamp may lie
	MaxFutureSkew time.Duration

	// MinPrice is the smallest price accepted; prices must be strictly above it
	MinPrice float64

	// Now is the clock used for the future check
	Now func() time.Time
}

// DefaultValidationOptions returns sensible defaults for observation cleaning
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxFutureSkew: 24 * time.Hour,
		MinPrice:      0,
		Now:           time.Now,
	}
}

// FilterInvalidWithOptions removes observations that fail the validation
// criteria and returns the rest sorted and de-duplicated.
func FilterInvalidWithOptions(observations []model.Observation, opts ValidationOptions) []model.Observation {
	return model.NormalizeObservations(filterBasicCriteria(observations, opts))
}

// FilterInvalidConcurrently performs validation in parallel for large price histories
func FilterInvalidConcurrently(observations []model.Observation, opts ValidationOptions) []model.Observation {
	if len(observations) < 1000 {
		return FilterInvalidWithOptions(observations, opts)
	}

	workerCount := 4
	chunkSize := (len(observations) + workerCount - 1) / workerCount
	wg := sync.WaitGroup{}
	resultChan := make(chan []model.Observation, workerCount)

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		end := (i + 1) * chunkSize
		if end > len(observations) {
			end = len(observations)
		}
		if start >= len(observations) {
			break
		}

		chunk := observations[start:end]
		wg.Add(1)
		go func(chunk []model.Observation) {
			defer wg.Done()
			resultChan <- filterBasicCriteria(chunk, opts)
		}(chunk)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var valid []model.Observation
	for chunk := range resultChan {
		valid = append(valid, chunk...)
	}
	return model.NormalizeObservations(valid)
}

func filterBasicCriteria(observations []model.Observation, opts ValidationOptions) []model.Observation {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := opts.Now().Add(opts.MaxFutureSkew)

	valid := make([]model.Observation, 0, len(observations))
	for _, o := range observations {
		if isValidObservation(o, opts.MinPrice, limit) {
			valid = append(valid, o)
		} else {
			logrus.WithFields(logrus.Fields{
				"timestamp": o.Timestamp,
				"value":     o.Value,
			}).Debug("Filtered invalid observation")
		}
	}
	return valid
}

func isValidObservation(o model.Observation, minPrice float64, latest time.Time) bool {
	if o.Timestamp.IsZero() || o.Timestamp.After(latest) {
		return false
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return false
	}
	// returns are taken as ratios, so prices must be positive
	return o.Value > minPrice && o.Value > 0
}
