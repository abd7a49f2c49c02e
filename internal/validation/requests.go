package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/yourorg/vol-oracle/internal/model"
)

// Input error kinds. Requests failing these checks never reach the coordinator.
var (
	ErrInvalidTicker  = errors.New("invalid ticker")
	ErrInvalidRequest = errors.New("invalid request")
)

// Request bounds
const (
	MinObservations = 100
	MaxObservations = 10000
	MaxOrder        = 10
	MaxHorizon      = 365
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-^=]{0,15}$`)

// Ticker normalizes and checks a ticker symbol
func Ticker(ticker string) (string, error) {
	t := model.NormalizeTicker(ticker)
	if !tickerPattern.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// FitRequest checks the parameters of a fit and returns the normalized ticker
func FitRequest(ticker string, nObservations, p, q int) (string, error) {
	t, err := Ticker(ticker)
	if err != nil {
		return "", err
	}
	if nObservations < MinObservations || nObservations > MaxObservations {
		return "", fmt.Errorf("%w: n_observations must be in [%d, %d], got %d", ErrInvalidRequest, MinObservations, MaxObservations, nObservations)
	}
	if p < 1 || p > MaxOrder || q < 1 || q > MaxOrder {
		return "", fmt.Errorf("%w: p and q must be in [1, %d], got p=%d q=%d", ErrInvalidRequest, MaxOrder, p, q)
	}
	if nObservations < p+q+1 {
		return "", fmt.Errorf("%w: n_observations must be at least p+q+1", ErrInvalidRequest)
	}
	return t, nil
}

// Horizon checks a forecast horizon in days
func Horizon(nDays int) error {
	if nDays < 1 || nDays > MaxHorizon {
		return fmt.Errorf("%w: n_days must be in [1, %d], got %d", ErrInvalidRequest, MaxHorizon, nDays)
	}
	return nil
}

// PredictRequest checks the parameters of a forecast and returns the normalized ticker
func PredictRequest(ticker string, nDays int) (string, error) {
	t, err := Ticker(ticker)
	if err != nil {
		return "", err
	}
	if err := Horizon(nDays); err != nil {
		return "", err
	}
	return t, nil
}
