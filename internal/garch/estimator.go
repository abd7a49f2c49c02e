// Package garch fits GARCH(p,q) conditional variance models.
//
// The Estimator is the pluggable statistical capability; Fitter wraps it with
// the preconditions and bookkeeping the rest of the oracle relies on.
package garch

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Estimate is the raw output of an Estimator
type Estimate struct {
	Mu    float64
	Omega float64
	Alpha []float64
	Beta  []float64

	LogLikelihood float64
	Iterations    int
	Converged     bool

	// Full in-sample series, aligned with the input
	SquaredResiduals []float64
	Variances        []float64
}

// Estimator fits a GARCH(p,q) model to a return series
type Estimator interface {
	Estimate(ctx context.Context, returns []float64, p, q int) (Estimate, error)
}

// QMLE estimates GARCH(p,q) by Gaussian quasi maximum likelihood with
// variance targeting. The persistence parameters are searched with gonum's
// Nelder-Mead over a reparameterisation that keeps every alpha and beta
// non-negative and their sum below one.
type QMLE struct {
	MaxIterations int
	Tolerance     float64
}

// NewQMLE returns an estimator with default search settings
func NewQMLE() QMLE {
	return QMLE{MaxIterations: 5000, Tolerance: 1e-10}
}

// Estimate implements Estimator
func (e QMLE) Estimate(ctx context.Context, returns []float64, p, q int) (Estimate, error) {
	if p < 1 || q < 1 {
		return Estimate{}, fmt.Errorf("%w: p=%d q=%d", ErrInvalidParameters, p, q)
	}
	if len(returns) < p+q+1 {
		return Estimate{}, fmt.Errorf("%w: %d returns for p=%d q=%d", ErrInsufficientData, len(returns), p, q)
	}

	mu := stat.Mean(returns, nil)
	e2 := make([]float64, len(returns))
	for i, r := range returns {
		d := r - mu
		e2[i] = d * d
	}
	sampleVar := stat.Mean(e2, nil)
	if sampleVar <= 0 || math.IsNaN(sampleVar) || math.IsInf(sampleVar, 0) {
		return Estimate{}, fmt.Errorf("%w: degenerate return series (variance %v)", ErrNonConvergent, sampleVar)
	}

	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = 5000
	}
	tol := e.Tolerance
	if tol <= 0 {
		tol = 1e-10
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			alpha, beta := unpack(z, p)
			omega := sampleVar * (1 - floats.Sum(alpha) - floats.Sum(beta))
			return negLogLikelihood(omega, alpha, beta, e2, sampleVar)
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   tol,
			Relative:   tol,
			Iterations: 100,
		},
	}

	result, err := optimize.Minimize(problem, startPoint(p, q), settings, &optimize.NelderMead{SimplexSize: 0.5})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Estimate{}, fmt.Errorf("garch estimation interrupted: %w", ctxErr)
	}
	if err != nil && result == nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrNonConvergent, err)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return Estimate{}, fmt.Errorf("%w: likelihood is not finite", ErrNonConvergent)
	}

	alpha, beta := unpack(result.X, p)
	omega := sampleVar * (1 - floats.Sum(alpha) - floats.Sum(beta))
	variances := filter(omega, alpha, beta, e2, sampleVar)

	return Estimate{
		Mu:               mu,
		Omega:            omega,
		Alpha:            alpha,
		Beta:             beta,
		LogLikelihood:    -result.F,
		Iterations:       result.Stats.MajorIterations,
		Converged:        err == nil && converged(result.Status),
		SquaredResiduals: e2,
		Variances:        variances,
	}, nil
}

func converged(status optimize.Status) bool {
	switch status {
	case optimize.FunctionConvergence, optimize.MethodConverge, optimize.Success:
		return true
	}
	return false
}

// startPoint maps a persistence of 0.95 (alpha 0.05, beta 0.90, split
// evenly across lags) into the unconstrained space.
func startPoint(p, q int) []float64 {
	w := make([]float64, p+q)
	for i := 0; i < p; i++ {
		w[i] = 0.05 / float64(p)
	}
	for j := 0; j < q; j++ {
		w[p+j] = 0.90 / float64(q)
	}
	slack := 1 - floats.Sum(w)
	z := make([]float64, len(w))
	for i := range w {
		z[i] = math.Log(w[i] / slack)
	}
	return z
}

// unpack maps z onto weights w_i = exp(z_i) / (1 + sum exp(z_j)).
// Every weight is positive and the total stays strictly below one.
func unpack(z []float64, p int) (alpha, beta []float64) {
	m := 0.0
	for _, v := range z {
		if v > m {
			m = v
		}
	}
	denom := math.Exp(-m)
	for _, v := range z {
		denom += math.Exp(v - m)
	}
	w := make([]float64, len(z))
	for i, v := range z {
		w[i] = math.Exp(v-m) / denom
	}
	return w[:p], w[p:]
}

// filter runs the variance recursion over the sample. Pre-sample terms use backcast.
func filter(omega float64, alpha, beta, e2 []float64, backcast float64) []float64 {
	s2 := make([]float64, len(e2))
	for t := range e2 {
		v := omega
		for i, a := range alpha {
			k := t - i - 1
			if k >= 0 {
				v += a * e2[k]
			} else {
				v += a * backcast
			}
		}
		for j, b := range beta {
			k := t - j - 1
			if k >= 0 {
				v += b * s2[k]
			} else {
				v += b * backcast
			}
		}
		s2[t] = v
	}
	return s2
}

func negLogLikelihood(omega float64, alpha, beta, e2 []float64, backcast float64) float64 {
	if omega <= 0 {
		return math.Inf(1)
	}
	s2 := filter(omega, alpha, beta, e2, backcast)
	var nll float64
	for t, v := range s2 {
		if v <= 0 || math.IsNaN(v) {
			return math.Inf(1)
		}
		nll += math.Log(2*math.Pi) + math.Log(v) + e2[t]/v
	}
	return 0.5 * nll
}
