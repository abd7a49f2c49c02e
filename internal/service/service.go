// Package service runs fit, predict and submit requests end to end and
// shapes their results for callers. Failures are reported in the response,
// never as a panic or a transport error.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/vol-oracle/internal/aggregate"
	"github.com/yourorg/vol-oracle/internal/coordinator"
	"github.com/yourorg/vol-oracle/internal/fetch"
	"github.com/yourorg/vol-oracle/internal/forecast"
	"github.com/yourorg/vol-oracle/internal/garch"
	"github.com/yourorg/vol-oracle/internal/ledger"
	"github.com/yourorg/vol-oracle/internal/model"
	"github.com/yourorg/vol-oracle/internal/otel"
	"github.com/yourorg/vol-oracle/internal/store"
	"github.com/yourorg/vol-oracle/internal/submission"
	"github.com/yourorg/vol-oracle/internal/validation"
)

// ModelFitter is the statistical fitting capability
type ModelFitter interface {
	Fit(ctx context.Context, ticker string, window []model.Observation, p, q int) (*model.FittedModel, error)
}

// RecordSink receives every record the ledger accepted through this service
type RecordSink interface {
	Add(rec model.SubmissionRecord)
}

// Options wires the service's collaborators. Prices and Submitter may be
// nil; requests needing them then fail with ErrUnavailable. Exporter is optional.
type Options struct {
	Store       *store.InstrumentStore
	Fitter      ModelFitter
	Engine      *forecast.Engine
	Coordinator *coordinator.Coordinator
	Ledger      ledger.Ledger
	Agent       *submission.Agent
	Prices      fetch.Client
	Submitter   submission.Identity
	Exporter    RecordSink
}

// Service is the request orchestration layer
type Service struct {
	opts Options
}

// New creates a service
func New(opts Options) *Service {
	return &Service{opts: opts}
}

// Fit validates the request, optionally pulls fresh prices, and fits a new
// model under the ticker's exclusive fit slot. Fresh prices and the new
// model are stored only when the whole fit succeeds.
func (s *Service) Fit(ctx context.Context, req FitRequest) FitResponse {
	resp := FitResponse{
		Ticker:        req.Ticker,
		UseNewData:    req.UseNewData,
		NObservations: req.NObservations,
		P:             req.P,
		Q:             req.Q,
	}

	ctx, span := otel.Tracer().Start(ctx, "fit")
	defer span.End()

	ticker, err := validation.FitRequest(req.Ticker, req.NObservations, req.P, req.Q)
	if err != nil {
		return resp.fail(err)
	}
	resp.Ticker = ticker
	span.SetAttributes(attribute.String("ticker", ticker), attribute.Int("p", req.P), attribute.Int("q", req.Q))

	var fitted *model.FittedModel
	err = s.opts.Coordinator.Do(ctx, ticker, coordinator.OpFit, func(ctx context.Context, lease *coordinator.Lease) error {
		var staged []model.Observation
		if req.UseNewData {
			var err error
			if staged, err = s.fetchPrices(ctx, ticker); err != nil {
				return err
			}
		}

		inst, err := s.opts.Store.GetOrCreate(ctx, ticker)
		if err != nil {
			return err
		}
		returns := garch.Returns(inst.TailWith(staged, req.NObservations+1))
		if len(returns) < req.NObservations {
			return fmt.Errorf("%w: %s has %d returns, %d requested", garch.ErrInsufficientData, ticker, len(returns), req.NObservations)
		}

		m, err := s.opts.Fitter.Fit(ctx, ticker, returns, req.P, req.Q)
		if err != nil {
			return err
		}
		return lease.Commit(func() error {
			if len(staged) > 0 {
				added, err := s.opts.Store.AppendObservations(ctx, ticker, staged)
				if err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{
					"ticker":   ticker,
					"fetched":  len(staged),
					"appended": added,
				}).Info("Price history ingested")
			}
			if err := s.opts.Store.SetModel(ctx, m); err != nil {
				return err
			}
			fitted = m
			return nil
		})
	})
	if err != nil {
		otel.RecordError(ctx, err)
		logrus.WithFields(logrus.Fields{"ticker": ticker, "op": coordinator.OpFit}).WithError(err).Warn("Fit failed")
		return resp.fail(err)
	}

	logrus.WithFields(logrus.Fields{
		"ticker":      ticker,
		"p":           fitted.P,
		"q":           fitted.Q,
		"sample_size": fitted.SampleSize,
	}).Info("Model fitted")

	resp.Success = true
	resp.Message = fmt.Sprintf("Model fitted for %s on %d observations", ticker, fitted.SampleSize)
	resp.Model = summarize(fitted)
	return resp
}

// fetchPrices pulls the ticker's price history and cleans it. Nothing is
// stored until the fit that needs it commits.
func (s *Service) fetchPrices(ctx context.Context, ticker string) ([]model.Observation, error) {
	if s.opts.Prices == nil {
		return nil, fmt.Errorf("%w: no price source", ErrUnavailable)
	}
	prices, err := s.opts.Prices.Fetch(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return validation.FilterInvalidConcurrently(prices, validation.DefaultValidationOptions()), nil
}

// Predict forecasts from the current model snapshot. It never waits on a
// fit or submission in progress.
func (s *Service) Predict(ctx context.Context, req PredictRequest) PredictResponse {
	resp := PredictResponse{Ticker: req.Ticker, NDays: req.NDays, Forecast: map[string]float64{}}

	ctx, span := otel.Tracer().Start(ctx, "predict")
	defer span.End()

	ticker, err := validation.PredictRequest(req.Ticker, req.NDays)
	if err != nil {
		return resp.fail(err)
	}
	resp.Ticker = ticker
	span.SetAttributes(attribute.String("ticker", ticker), attribute.Int("n_days", req.NDays))

	seq, err := s.opts.Engine.Forecast(ctx, ticker, req.NDays)
	if err != nil {
		otel.RecordError(ctx, err)
		return resp.fail(err)
	}

	resp.Success = true
	resp.Message = fmt.Sprintf("Forecast of %d days for %s", req.NDays, ticker)
	resp.Forecast = seq.AsMap()
	resp.Summary = aggregate.Summarize(seq)
	resp.ModelFitTimestamp = seq.ModelFitTimestamp
	resp.Warning = seq.Warning
	return resp
}

// Submit forecasts from the current model and writes the forecast to the
// ledger as the service's submitter, holding the ticker's exclusive slot so
// the forecast comes from a settled model.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) SubmitResponse {
	resp := SubmitResponse{Ticker: req.Ticker, NDays: req.NDays, Forecast: map[string]float64{}}

	ctx, span := otel.Tracer().Start(ctx, "submit")
	defer span.End()

	ticker, err := validation.PredictRequest(req.Ticker, req.NDays)
	if err != nil {
		return resp.fail(err)
	}
	resp.Ticker = ticker
	span.SetAttributes(attribute.String("ticker", ticker), attribute.Int("n_days", req.NDays))

	if s.opts.Submitter == nil || s.opts.Agent == nil {
		return resp.fail(fmt.Errorf("%w: no submitter identity", ErrUnavailable))
	}

	var (
		seq model.ForecastSequence
		rec *model.SubmissionRecord
	)
	err = s.opts.Coordinator.Do(ctx, ticker, coordinator.OpSubmit, func(ctx context.Context, lease *coordinator.Lease) error {
		var err error
		seq, err = s.opts.Engine.Forecast(ctx, ticker, req.NDays)
		if err != nil {
			return err
		}
		return lease.Commit(func() error {
			rec, err = s.opts.Agent.Submit(ctx, ticker, seq, s.opts.Submitter)
			return err
		})
	})
	if err != nil {
		otel.RecordError(ctx, err)
		logrus.WithFields(logrus.Fields{"ticker": ticker, "op": coordinator.OpSubmit}).WithError(err).Warn("Submission failed")
		return resp.fail(err)
	}

	if s.opts.Exporter != nil {
		s.opts.Exporter.Add(*rec)
	}

	resp.Success = true
	resp.Message = fmt.Sprintf("Forecast for %s accepted with sequence %d", ticker, rec.Sequence)
	resp.Forecast = seq.AsMap()
	resp.Record = rec
	return resp
}

// Latest returns the ledger's latest accepted record for a ticker
func (s *Service) Latest(ctx context.Context, ticker string) LatestResponse {
	resp := LatestResponse{Ticker: ticker, Forecast: map[string]float64{}}

	key, err := validation.Ticker(ticker)
	if err != nil {
		return resp.fail(err)
	}
	resp.Ticker = key

	rec, err := s.opts.Ledger.Latest(ctx, key)
	if err != nil {
		return resp.fail(err)
	}
	resp.Success = true
	resp.Message = fmt.Sprintf("Latest record for %s has sequence %d", key, rec.Sequence)
	resp.Record = rec
	resp.Forecast = rec.Forecast()
	return resp
}

// Status summarizes every known instrument
func (s *Service) Status(ctx context.Context) StatusResponse {
	states := s.opts.Coordinator.States()
	resp := StatusResponse{Success: true, Instruments: []InstrumentStatus{}}

	for _, ticker := range s.opts.Store.Tickers() {
		st := InstrumentStatus{Ticker: ticker, State: string(coordinator.StateIdle)}
		if state, ok := states[ticker]; ok {
			st.State = string(state)
		}
		if inst, err := s.opts.Store.GetOrCreate(ctx, ticker); err == nil {
			st.Observations = inst.Len()
			st.Model = summarize(inst.Model())
		}
		resp.Instruments = append(resp.Instruments, st)
	}
	resp.Message = fmt.Sprintf("%d instruments", len(resp.Instruments))
	if s.opts.Submitter != nil {
		resp.Submitter = s.opts.Submitter.Address().Hex()
	}
	return resp
}

// Grant authorizes submitter for ticker through the ledger's administrator capability
func (s *Service) Grant(ctx context.Context, submitter, ticker string) AdminResponse {
	return s.administer(ctx, submitter, ticker, func(a ledger.Administrator, addr common.Address, t string) (model.AuthorizationEntry, error) {
		return a.Grant(ctx, addr, t)
	})
}

// Revoke withdraws submitter's authorization for ticker
func (s *Service) Revoke(ctx context.Context, submitter, ticker string) AdminResponse {
	return s.administer(ctx, submitter, ticker, func(a ledger.Administrator, addr common.Address, t string) (model.AuthorizationEntry, error) {
		return a.Revoke(ctx, addr, t)
	})
}

// Entries lists the authorization mapping
func (s *Service) Entries(ctx context.Context) AdminResponse {
	admin, ok := s.opts.Ledger.(ledger.Administrator)
	if !ok {
		return AdminResponse{}.fail(fmt.Errorf("%w: ledger has no administrator", ErrUnavailable))
	}
	entries, err := admin.Entries(ctx)
	if err != nil {
		return AdminResponse{}.fail(err)
	}
	return AdminResponse{Success: true, Message: fmt.Sprintf("%d entries", len(entries)), Entries: entries}
}

func (s *Service) administer(ctx context.Context, submitter, ticker string, apply func(ledger.Administrator, common.Address, string) (model.AuthorizationEntry, error)) AdminResponse {
	admin, ok := s.opts.Ledger.(ledger.Administrator)
	if !ok {
		return AdminResponse{}.fail(fmt.Errorf("%w: ledger has no administrator", ErrUnavailable))
	}
	if !common.IsHexAddress(submitter) {
		return AdminResponse{}.fail(fmt.Errorf("%w: submitter %q is not an address", validation.ErrInvalidRequest, submitter))
	}
	scope := model.NormalizeTicker(ticker)
	if scope != model.WildcardTicker {
		var err error
		if scope, err = validation.Ticker(ticker); err != nil {
			return AdminResponse{}.fail(err)
		}
	}

	entry, err := apply(admin, common.HexToAddress(submitter), scope)
	if err != nil {
		return AdminResponse{}.fail(err)
	}
	return AdminResponse{Success: true, Message: "ok", Entries: []model.AuthorizationEntry{entry}}
}

// ApplyGrants authorizes each submitter for its tickers at startup
func ApplyGrants(ctx context.Context, l ledger.Ledger, grants map[common.Address][]string) error {
	admin, ok := l.(ledger.Administrator)
	if !ok {
		if len(grants) > 0 {
			logrus.Warn("Ledger manages its own authorization; grants file ignored")
		}
		return nil
	}
	for addr, tickers := range grants {
		for _, t := range tickers {
			if _, err := admin.Grant(ctx, addr, t); err != nil {
				return fmt.Errorf("grant %s for %s: %w", addr.Hex(), t, err)
			}
		}
	}
	return nil
}

func summarize(m *model.FittedModel) *ModelSummary {
	if m == nil {
		return nil
	}
	return &ModelSummary{
		P:               m.P,
		Q:               m.Q,
		Mu:              m.Mu,
		Omega:           m.Omega,
		Alpha:           m.Alpha,
		Beta:            m.Beta,
		Persistence:     m.Persistence(),
		LongRunVariance: m.LongRunVariance(),
		LogLikelihood:   m.LogLikelihood,
		SampleSize:      m.SampleSize,
		WindowStart:     m.Window.Start,
		WindowEnd:       m.Window.End,
		FitTimestamp:    m.FitTimestamp,
		Age:             time.Since(m.FitTimestamp).Round(time.Second).String(),
	}
}
