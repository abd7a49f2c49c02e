package service

import (
	"context"
	"errors"

	"github.com/yourorg/vol-oracle/internal/circuitbreaker"
	"github.com/yourorg/vol-oracle/internal/coordinator"
	"github.com/yourorg/vol-oracle/internal/fetch"
	"github.com/yourorg/vol-oracle/internal/forecast"
	"github.com/yourorg/vol-oracle/internal/garch"
	"github.com/yourorg/vol-oracle/internal/ledger"
	"github.com/yourorg/vol-oracle/internal/submission"
	"github.com/yourorg/vol-oracle/internal/validation"
)

var (
	// ErrUnavailable is returned when a capability the request needs is not configured
	ErrUnavailable = errors.New("capability not configured")
)

// Stable error codes carried in responses
const (
	CodeInvalidTicker     = "invalid_ticker"
	CodeInvalidRequest    = "invalid_request"
	CodeInsufficientData  = "insufficient_data"
	CodeNonConvergent     = "non_convergent"
	CodeInvalidParameters = "invalid_parameters"
	CodeModelMissing      = "model_missing"
	CodeModelStale        = "model_stale"
	CodeBusy              = "busy"
	CodeAbandoned         = "abandoned"
	CodeUnauthorized      = "unauthorized"
	CodeStaleForecast     = "stale_forecast"
	CodeSequenceConflict  = "sequence_conflict"
	CodeLedgerRejected    = "ledger_rejected"
	CodeNoRecord          = "no_record"
	CodeCircuitOpen       = "circuit_open"
	CodeForecastRejected  = "forecast_rejected"
	CodeNoData            = "no_data"
	CodeUnavailable       = "unavailable"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

// checked in order; wrappers such as ErrBusy come before the context errors they carry
var codes = []struct {
	err  error
	code string
}{
	{validation.ErrInvalidTicker, CodeInvalidTicker},
	{validation.ErrInvalidRequest, CodeInvalidRequest},
	{forecast.ErrInvalidHorizon, CodeInvalidRequest},
	{submission.ErrInvalidForecast, CodeInvalidRequest},
	{garch.ErrInsufficientData, CodeInsufficientData},
	{garch.ErrNonConvergent, CodeNonConvergent},
	{garch.ErrInvalidParameters, CodeInvalidParameters},
	{forecast.ErrModelMissing, CodeModelMissing},
	{forecast.ErrModelStale, CodeModelStale},
	{coordinator.ErrBusy, CodeBusy},
	{coordinator.ErrAbandoned, CodeAbandoned},
	{ledger.ErrUnauthorized, CodeUnauthorized},
	{ledger.ErrStaleForecast, CodeStaleForecast},
	{ledger.ErrSequenceConflict, CodeSequenceConflict},
	{ledger.ErrLedgerRejected, CodeLedgerRejected},
	{ledger.ErrNoRecord, CodeNoRecord},
	{circuitbreaker.ErrCircuitOpen, CodeCircuitOpen},
	{circuitbreaker.ErrThresholdViolation, CodeForecastRejected},
	{fetch.ErrNoData, CodeNoData},
	{ErrUnavailable, CodeUnavailable},
	{context.DeadlineExceeded, CodeTimeout},
	{context.Canceled, CodeTimeout},
}

// ErrorCode maps an error to its stable response code
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
