// Package submission packages forecasts into signed ledger writes.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/ledger"
	"github.com/yourorg/vol-oracle/internal/model"
)

// ErrInvalidForecast is returned for forecasts that cannot be packaged
var ErrInvalidForecast = errors.New("invalid forecast")

// Identity is a submitter able to sign records
type Identity interface {
	Address() common.Address
	SignRecord(rec *model.SubmissionRecord) error
}

// Guard vets forecasts before they are written and observes write outcomes
type Guard interface {
	Check(forecast model.ForecastSequence) error
	RecordAccepted(ticker string, values []float64)
	RecordRejection(reason string)
}

// Agent submits forecasts to a ledger, honouring its write rule
type Agent struct {
	ledger ledger.Ledger
	guard  Guard
}

// NewAgent creates an agent writing to l
func NewAgent(l ledger.Ledger) *Agent {
	return &Agent{ledger: l}
}

// WithGuard sets a guard consulted before every write
func (a *Agent) WithGuard(g Guard) *Agent {
	a.guard = g
	return a
}

// Submit writes forecast for ticker as submitter using the next sequence
// number. A sequence conflict is retried once with a freshly read sequence;
// a second conflict is returned to the caller.
func (a *Agent) Submit(ctx context.Context, ticker string, forecast model.ForecastSequence, submitter Identity) (*model.SubmissionRecord, error) {
	return a.submit(ctx, ticker, forecast, submitter, 0)
}

// SubmitWithSequence writes forecast with a caller chosen sequence number
// and never retries.
func (a *Agent) SubmitWithSequence(ctx context.Context, ticker string, forecast model.ForecastSequence, submitter Identity, sequence uint64) (*model.SubmissionRecord, error) {
	if sequence == 0 {
		return nil, fmt.Errorf("%w: sequence numbers start at 1", ErrInvalidForecast)
	}
	return a.submit(ctx, ticker, forecast, submitter, sequence)
}

func (a *Agent) submit(ctx context.Context, ticker string, forecast model.ForecastSequence, submitter Identity, pinned uint64) (*model.SubmissionRecord, error) {
	key := model.NormalizeTicker(ticker)
	if len(forecast.Points) == 0 {
		return nil, fmt.Errorf("%w: empty forecast", ErrInvalidForecast)
	}
	if forecast.Ticker != "" && model.NormalizeTicker(forecast.Ticker) != key {
		return nil, fmt.Errorf("%w: forecast is for %s, not %s", ErrInvalidForecast, forecast.Ticker, key)
	}

	log := logrus.WithFields(logrus.Fields{
		"ticker":    key,
		"submitter": submitter.Address().Hex(),
	})

	epoch, ok, err := a.ledger.Authorization(ctx, submitter.Address(), key)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		log.Warn("Submission refused: submitter not authorized")
		return nil, fmt.Errorf("%w: %s for %s", ledger.ErrUnauthorized, submitter.Address().Hex(), key)
	}

	stored, err := a.ledger.Latest(ctx, key)
	switch {
	case err == nil:
		if forecast.ModelFitTimestamp.Before(stored.FitTimestamp) {
			log.Warn("Submission refused: forecast older than stored record")
			return nil, fmt.Errorf("%w: fit %s before stored %s", ledger.ErrStaleForecast,
				forecast.ModelFitTimestamp.Format(time.RFC3339), stored.FitTimestamp.Format(time.RFC3339))
		}
	case !errors.Is(err, ledger.ErrNoRecord):
		return nil, fmt.Errorf("reading stored record failed: %w", err)
	}

	if a.guard != nil {
		if err := a.guard.Check(forecast); err != nil {
			log.WithError(err).Warn("Submission refused by circuit breaker")
			return nil, err
		}
	}

	attempts := 2
	if pinned != 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sequence := pinned
		if sequence == 0 {
			last, err := a.ledger.LastSequence(ctx, submitter.Address())
			if err != nil {
				return nil, fmt.Errorf("reading sequence failed: %w", err)
			}
			sequence = last + 1
		}

		rec := model.SubmissionRecord{
			Ticker:       key,
			Sequence:     sequence,
			FitTimestamp: forecast.ModelFitTimestamp,
			StartDate:    forecast.StartDate(),
			Values:       forecast.Values(),
			AuthEpoch:    epoch,
		}
		if err := submitter.SignRecord(&rec); err != nil {
			return nil, fmt.Errorf("signing record failed: %w", err)
		}

		accepted, err := a.ledger.Write(ctx, rec)
		if err == nil {
			if a.guard != nil {
				a.guard.RecordAccepted(key, accepted.Values)
			}
			log.WithField("sequence", accepted.Sequence).Info("Forecast submitted")
			return accepted, nil
		}

		lastErr = err
		if errors.Is(err, ledger.ErrLedgerRejected) && a.guard != nil {
			a.guard.RecordRejection(err.Error())
		}
		if !errors.Is(err, ledger.ErrSequenceConflict) {
			break
		}
		log.WithField("sequence", sequence).WithField("attempt", attempt).Warn("Sequence conflict")
	}
	return nil, lastErr
}
