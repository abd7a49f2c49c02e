package garch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
)

// Fit failure kinds
var (
	ErrInsufficientData  = errors.New("insufficient data")
	ErrNonConvergent     = errors.New("model did not converge")
	ErrInvalidParameters = errors.New("invalid model parameters")
)

// MinObservations is the smallest window the fitter accepts regardless of order
const MinObservations = 100

// Fitter turns an Estimator result into an immutable FittedModel that records
// the exact window it was fitted on. Failures are returned, never retried.
type Fitter struct {
	estimator Estimator
	now       func() time.Time
}

// NewFitter wraps an estimator
func NewFitter(estimator Estimator) *Fitter {
	return &Fitter{estimator: estimator, now: time.Now}
}

// WithClock overrides the clock used to stamp fits
func (f *Fitter) WithClock(now func() time.Time) *Fitter {
	f.now = now
	return f
}

// Fit estimates a GARCH(p,q) model on a dated return window.
func (f *Fitter) Fit(ctx context.Context, ticker string, window []model.Observation, p, q int) (*model.FittedModel, error) {
	if p < 1 || q < 1 {
		return nil, fmt.Errorf("%w: p and q must be >= 1 (got p=%d q=%d)", ErrInvalidParameters, p, q)
	}
	required := MinObservations
	if p+q+1 > required {
		required = p + q + 1
	}
	if len(window) < required {
		return nil, fmt.Errorf("%w: need at least %d observations, have %d", ErrInsufficientData, required, len(window))
	}

	returns := make([]float64, len(window))
	for i, o := range window {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return nil, fmt.Errorf("%w: non-finite observation at %s", ErrInvalidParameters, o.Timestamp.Format(time.RFC3339))
		}
		if i > 0 && !o.Timestamp.After(window[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: observations are not strictly time ordered", ErrInvalidParameters)
		}
		returns[i] = o.Value
	}

	est, err := f.estimator.Estimate(ctx, returns, p, q)
	if err != nil {
		return nil, err
	}
	if !est.Converged {
		return nil, fmt.Errorf("%w after %d iterations", ErrNonConvergent, est.Iterations)
	}
	if len(est.Alpha) != p || len(est.Beta) != q || len(est.SquaredResiduals) != len(returns) || len(est.Variances) != len(returns) {
		return nil, fmt.Errorf("%w: estimator returned a malformed result", ErrNonConvergent)
	}

	n := len(returns)
	m := &model.FittedModel{
		Ticker:            model.NormalizeTicker(ticker),
		P:                 p,
		Q:                 q,
		Mu:                est.Mu,
		Omega:             est.Omega,
		Alpha:             append([]float64(nil), est.Alpha...),
		Beta:              append([]float64(nil), est.Beta...),
		TerminalResiduals: append([]float64(nil), est.SquaredResiduals[n-p:]...),
		TerminalVariances: append([]float64(nil), est.Variances[n-q:]...),
		LastObservation:   window[n-1].Timestamp.UTC(),
		Window: model.Window{
			Start: window[0].Timestamp.UTC(),
			End:   window[n-1].Timestamp.UTC(),
			Count: n,
		},
		FitTimestamp:  f.now().UTC(),
		SampleSize:    n,
		LogLikelihood: est.LogLikelihood,
		Iterations:    est.Iterations,
		Converged:     true,
	}

	logrus.WithFields(logrus.Fields{
		"ticker":      m.Ticker,
		"p":           p,
		"q":           q,
		"omega":       m.Omega,
		"persistence": m.Persistence(),
		"iterations":  m.Iterations,
	}).Debug("GARCH model fitted")

	return m, nil
}

// Returns converts a price series into absolute fractional returns,
// |p_t / p_{t-1} - 1|, each dated at the later observation.
func Returns(prices []model.Observation) []model.Observation {
	if len(prices) < 2 {
		return nil
	}
	out := make([]model.Observation, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1].Value
		if prev == 0 {
			continue
		}
		out = append(out, model.Observation{
			Timestamp: prices[i].Timestamp,
			Value:     math.Abs(prices[i].Value/prev - 1),
		})
	}
	return out
}
