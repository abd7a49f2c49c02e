package validation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/vol-oracle/internal/model"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func opts() ValidationOptions {
	o := DefaultValidationOptions()
	o.Now = func() time.Time { return now }
	return o
}

func day(n int) time.Time { return now.AddDate(0, 0, -n) }

func TestFilterInvalid_BasicCriteria(t *testing.T) {
	tests := []struct {
		name         string
		observations []model.Observation
		want         int
	}{
		{
			name: "all valid observations",
			observations: []model.Observation{
				{Timestamp: day(3), Value: 101.5},
				{Timestamp: day(2), Value: 99.2},
				{Timestamp: day(1), Value: 100.1},
			},
			want: 3,
		},
		{
			name: "some invalid observations",
			observations: []model.Observation{
				{Timestamp: day(5), Value: 100},
				{Timestamp: day(4), Value: -1},          // negative price
				{Timestamp: day(3), Value: 0},           // zero price
				{Timestamp: day(2), Value: math.NaN()},  // not a number
				{Timestamp: day(1), Value: math.Inf(1)}, // infinite
				{Timestamp: time.Time{}, Value: 100},    // missing timestamp
				{Timestamp: now.AddDate(0, 0, 3), Value: 100}, // future
			},
			want: 1,
		},
		{
			name: "duplicates collapse",
			observations: []model.Observation{
				{Timestamp: day(2), Value: 100},
				{Timestamp: day(2), Value: 101},
				{Timestamp: day(1), Value: 102},
			},
			want: 2,
		},
		{
			name:         "empty input",
			observations: []model.Observation{},
			want:         0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := FilterInvalidWithOptions(tt.observations, opts())
			assert.Len(t, filtered, tt.want)
		})
	}
}

func TestFilterInvalidWithOptions_MinPrice(t *testing.T) {
	o := opts()
	o.MinPrice = 1.0
	filtered := FilterInvalidWithOptions([]model.Observation{
		{Timestamp: day(2), Value: 0.5},
		{Timestamp: day(1), Value: 1.5},
	}, o)
	require.Len(t, filtered, 1)
	assert.Equal(t, 1.5, filtered[0].Value)
}

func TestFilterInvalid_SortsOutput(t *testing.T) {
	filtered := FilterInvalidWithOptions([]model.Observation{
		{Timestamp: day(1), Value: 3},
		{Timestamp: day(3), Value: 1},
		{Timestamp: day(2), Value: 2},
	}, opts())
	require.Len(t, filtered, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{filtered[0].Value, filtered[1].Value, filtered[2].Value})
}

func TestFilterInvalidConcurrently(t *testing.T) {
	observations := make([]model.Observation, 0, 3000)
	for i := 0; i < 3000; i++ {
		v := 100.0 + float64(i%7)
		if i%10 == 0 {
			v = -v
		}
		observations = append(observations, model.Observation{Timestamp: day(i + 1), Value: v})
	}

	concurrent := FilterInvalidConcurrently(observations, opts())
	sequential := FilterInvalidWithOptions(observations, opts())

	assert.Len(t, concurrent, 2700)
	assert.Equal(t, sequential, concurrent)
	for i := 1; i < len(concurrent); i++ {
		assert.True(t, concurrent[i-1].Timestamp.Before(concurrent[i].Timestamp))
	}
}
