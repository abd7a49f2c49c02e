package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/vol-oracle/internal/model"
)

func sequence(values ...float64) model.ForecastSequence {
	start := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	seq := model.ForecastSequence{Ticker: "ABC"}
	for i, v := range values {
		seq.Points = append(seq.Points, model.ForecastPoint{Date: start.AddDate(0, 0, i), Value: v})
	}
	return seq
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"odd", []float64{3, 1, 2}, 2},
		{"even", []float64{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Median(tt.values))
		})
	}
}

func TestMedian_DoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Median(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestTrimmedMean(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 100}

	assert.InDelta(t, 5.5, TrimmedMean(values, 0.1), 1e-12)
	assert.InDelta(t, Mean(values), TrimmedMean(values, 0), 1e-12)
	assert.InDelta(t, Mean(values), TrimmedMean(values, 0.5), 1e-12)
	assert.InDelta(t, 1.5, TrimmedMean([]float64{1, 2}, 0.1), 1e-12)
}

func TestSummarize(t *testing.T) {
	s := Summarize(sequence(1, 2, 3, 4))
	require.NotNil(t, s)

	assert.InDelta(t, 2.5, s.Mean, 1e-12)
	assert.InDelta(t, 2.5, s.Median, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, math.Sqrt(10), s.HorizonVolatility, 1e-12)
	assert.InDelta(t, math.Sqrt(2.5*252), s.AnnualizedVolatility, 1e-12)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Nil(t, Summarize(model.ForecastSequence{}))
}
