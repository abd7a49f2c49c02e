// Package forecast projects conditional variance forward from a fitted model.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
)

// Forecast failure kinds
var (
	ErrModelMissing   = errors.New("no fitted model for ticker")
	ErrModelStale     = errors.New("fitted model is stale")
	ErrInvalidHorizon = errors.New("invalid forecast horizon")
)

// MaxHorizon is the longest forecast, in calendar days
const MaxHorizon = 365

// StalePolicy decides what happens when a model is older than the max age
type StalePolicy string

const (
	StaleOff   StalePolicy = "off"
	StaleWarn  StalePolicy = "warn"
	StaleBlock StalePolicy = "block"
)

// ParseStalePolicy parses off|warn|block, empty meaning off
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return StaleOff, nil
	case StaleOff, StaleWarn, StaleBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown stale model policy %q", s)
	}
}

// ModelSource yields the committed model snapshot for a ticker
type ModelSource interface {
	GetModel(ctx context.Context, ticker string) (*model.FittedModel, error)
}

// Options configures the engine
type Options struct {
	StalePolicy StalePolicy
	MaxAge      time.Duration
	Now         func() time.Time
}

// Engine produces forecast sequences. It only reads the current model
// reference and never blocks on fits in progress.
type Engine struct {
	models ModelSource
	opts   Options
}

// NewEngine creates an engine over models
func NewEngine(models ModelSource, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = StaleOff
	}
	return &Engine{models: models, opts: opts}
}

// Forecast returns horizon dated variance values for ticker, starting the
// calendar day after the model's last observation.
func (e *Engine) Forecast(ctx context.Context, ticker string, horizon int) (model.ForecastSequence, error) {
	if horizon < 1 || horizon > MaxHorizon {
		return model.ForecastSequence{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidHorizon, horizon, MaxHorizon)
	}

	m, err := e.models.GetModel(ctx, ticker)
	if err != nil {
		return model.ForecastSequence{}, err
	}
	if m == nil {
		return model.ForecastSequence{}, fmt.Errorf("%w: %s", ErrModelMissing, model.NormalizeTicker(ticker))
	}

	seq := model.ForecastSequence{
		Ticker:            m.Ticker,
		ModelFitTimestamp: m.FitTimestamp,
	}

	if e.opts.StalePolicy != StaleOff && e.opts.MaxAge > 0 {
		age := e.opts.Now().Sub(m.FitTimestamp)
		if age > e.opts.MaxAge {
			msg := fmt.Sprintf("model for %s fitted %s ago exceeds max age %s", m.Ticker, age.Round(time.Second), e.opts.MaxAge)
			if e.opts.StalePolicy == StaleBlock {
				return model.ForecastSequence{}, fmt.Errorf("%w: %s", ErrModelStale, msg)
			}
			logrus.WithField("ticker", m.Ticker).Warn(msg)
			seq.Warning = msg
		}
	}

	values := Project(m, horizon)
	start := model.Day(m.LastObservation).AddDate(0, 0, 1)
	seq.Points = make([]model.ForecastPoint, horizon)
	for i, v := range values {
		seq.Points[i] = model.ForecastPoint{Date: start.AddDate(0, 0, i), Value: v}
	}
	return seq, nil
}

// Project runs the GARCH variance recursion horizon steps past the fitted
// window. Future squared residuals are replaced by their expectation, the
// forecast variance for that step, so only parameters and terminal state are used.
func Project(m *model.FittedModel, horizon int) []float64 {
	out := make([]float64, horizon)

	residual := func(k int) float64 {
		if k >= 1 {
			return out[k-1]
		}
		idx := len(m.TerminalResiduals) - 1 + k
		if idx < 0 {
			return 0
		}
		return m.TerminalResiduals[idx]
	}
	variance := func(k int) float64 {
		if k >= 1 {
			return out[k-1]
		}
		idx := len(m.TerminalVariances) - 1 + k
		if idx < 0 {
			return 0
		}
		return m.TerminalVariances[idx]
	}

	for h := 1; h <= horizon; h++ {
		v := m.Omega
		for i, a := range m.Alpha {
			v += a * residual(h-i-1)
		}
		for j, b := range m.Beta {
			v += b * variance(h-j-1)
		}
		if v < 0 {
			v = 0
		}
		out[h-1] = v
	}
	return out
}
