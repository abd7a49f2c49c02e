package forecast

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/vol-oracle/internal/model"
	"github.com/yourorg/vol-oracle/internal/store"
)

func garch11(fitAt time.Time) *model.FittedModel {
	return &model.FittedModel{
		Ticker:            "ABC",
		P:                 1,
		Q:                 1,
		Omega:             0.05,
		Alpha:             []float64{0.10},
		Beta:              []float64{0.85},
		TerminalResiduals: []float64{4.0},
		TerminalVariances: []float64{2.0},
		LastObservation:   time.Date(2024, 12, 30, 16, 0, 0, 0, time.UTC),
		FitTimestamp:      fitAt,
	}
}

func TestProject_GARCH11ClosedForm(t *testing.T) {
	m := garch11(time.Now())
	got := Project(m, 3)

	// h=1 uses the terminal state, later steps collapse to omega + (a+b) * previous
	first := 0.05 + 0.10*4.0 + 0.85*2.0
	assert.InDelta(t, first, got[0], 1e-12)
	assert.InDelta(t, 0.05+0.95*first, got[1], 1e-12)
	assert.InDelta(t, 0.05+0.95*got[1], got[2], 1e-12)
}

func TestProject_ConvergesToLongRunVariance(t *testing.T) {
	m := garch11(time.Now())
	got := Project(m, 365)

	longRun := m.LongRunVariance()
	assert.InDelta(t, longRun, got[len(got)-1], 1e-3)

	// started above the long-run level, so the path decays monotonically
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, math.Abs(got[i]-longRun), math.Abs(got[i-1]-longRun))
	}
}

func TestProject_HigherOrderUsesAllLags(t *testing.T) {
	m := &model.FittedModel{
		P:                 2,
		Q:                 2,
		Omega:             0.1,
		Alpha:             []float64{0.05, 0.04},
		Beta:              []float64{0.5, 0.3},
		TerminalResiduals: []float64{1.0, 3.0},
		TerminalVariances: []float64{1.5, 2.5},
	}
	got := Project(m, 2)

	h1 := 0.1 + 0.05*3.0 + 0.04*1.0 + 0.5*2.5 + 0.3*1.5
	h2 := 0.1 + 0.05*h1 + 0.04*3.0 + 0.5*h1 + 0.3*2.5
	assert.InDelta(t, h1, got[0], 1e-12)
	assert.InDelta(t, h2, got[1], 1e-12)
}

func TestEngine_ForecastDatesAndLength(t *testing.T) {
	s := store.New(nil)
	ctx := context.Background()
	require.NoError(t, s.SetModel(ctx, garch11(time.Now())))

	seq, err := NewEngine(s, Options{}).Forecast(ctx, "abc", 5)
	require.NoError(t, err)

	require.Len(t, seq.Points, 5)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), seq.Points[0].Date)
	for i, p := range seq.Points {
		assert.GreaterOrEqual(t, p.Value, 0.0)
		if i > 0 {
			assert.Equal(t, seq.Points[i-1].Date.AddDate(0, 0, 1), p.Date)
		}
	}
	assert.Equal(t, []string{"2024-12-31", "2025-01-01", "2025-01-02", "2025-01-03", "2025-01-04"}, sortedKeys(seq.AsMap()))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestEngine_Errors(t *testing.T) {
	s := store.New(nil)
	engine := NewEngine(s, Options{})
	ctx := context.Background()

	_, err := engine.Forecast(ctx, "ABC", 5)
	assert.ErrorIs(t, err, ErrModelMissing)

	require.NoError(t, s.SetModel(ctx, garch11(time.Now())))
	for _, h := range []int{0, -1, 366} {
		_, err := engine.Forecast(ctx, "ABC", h)
		assert.ErrorIs(t, err, ErrInvalidHorizon, "horizon %d", h)
	}
	seq, err := engine.Forecast(ctx, "ABC", 365)
	require.NoError(t, err)
	assert.Len(t, seq.Points, 365)
}

func TestEngine_StalePolicy(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	s := store.New(nil)
	ctx := context.Background()
	require.NoError(t, s.SetModel(ctx, garch11(now.Add(-48*time.Hour))))

	clock := func() time.Time { return now }

	_, err := NewEngine(s, Options{StalePolicy: StaleBlock, MaxAge: 24 * time.Hour, Now: clock}).Forecast(ctx, "ABC", 3)
	assert.ErrorIs(t, err, ErrModelStale)

	seq, err := NewEngine(s, Options{StalePolicy: StaleWarn, MaxAge: 24 * time.Hour, Now: clock}).Forecast(ctx, "ABC", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, seq.Warning)

	seq, err = NewEngine(s, Options{StalePolicy: StaleBlock, MaxAge: 72 * time.Hour, Now: clock}).Forecast(ctx, "ABC", 3)
	require.NoError(t, err)
	assert.Empty(t, seq.Warning)

	seq, err = NewEngine(s, Options{StalePolicy: StaleOff, MaxAge: time.Hour, Now: clock}).Forecast(ctx, "ABC", 3)
	require.NoError(t, err)
	assert.Empty(t, seq.Warning)
}

func TestEngine_ForecastCarriesModelIdentity(t *testing.T) {
	fitAt := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	s := store.New(nil)
	ctx := context.Background()
	require.NoError(t, s.SetModel(ctx, garch11(fitAt)))

	seq, err := NewEngine(s, Options{}).Forecast(ctx, "ABC", 2)
	require.NoError(t, err)
	assert.Equal(t, fitAt, seq.ModelFitTimestamp)
	assert.Equal(t, "ABC", seq.Ticker)
}

type brokenSource struct{}

func (brokenSource) GetModel(context.Context, string) (*model.FittedModel, error) {
	return nil, errors.New("repository offline")
}

func TestEngine_PropagatesSourceErrors(t *testing.T) {
	_, err := NewEngine(brokenSource{}, Options{}).Forecast(context.Background(), "ABC", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelMissing)
}

func TestParseStalePolicy(t *testing.T) {
	p, err := ParseStalePolicy("")
	require.NoError(t, err)
	assert.Equal(t, StaleOff, p)

	p, err = ParseStalePolicy(" BLOCK ")
	require.NoError(t, err)
	assert.Equal(t, StaleBlock, p)

	_, err = ParseStalePolicy("sometimes")
	assert.Error(t, err)
}
