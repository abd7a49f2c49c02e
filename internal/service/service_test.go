package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vol-oracle/internal/circuitbreaker"
	"github.com/yourorg/vol-oracle/internal/coordinator"
	"github.com/yourorg/vol-oracle/internal/fetch"
	"github.com/yourorg/vol-oracle/internal/forecast"
	"github.com/yourorg/vol-oracle/internal/garch"
	"github.com/yourorg/vol-oracle/internal/ledger"
	"github.com/yourorg/vol-oracle/internal/model"
	"github.com/yourorg/vol-oracle/internal/security"
	"github.com/yourorg/vol-oracle/internal/store"
	"github.com/yourorg/vol-oracle/internal/submission"
	"github.com/yourorg/vol-oracle/internal/validation"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string][]model.Observation
	calls  int
}

func (f *fakePrices) Fetch(_ context.Context, ticker string) ([]model.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	prices, ok := f.prices[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetch.ErrNoData, ticker)
	}
	return prices, nil
}

type capturingSink struct {
	mu      sync.Mutex
	records []model.SubmissionRecord
}

func (c *capturingSink) Add(rec model.SubmissionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

type harness struct {
	sink   *capturingSink
	svc    *Service
	ledger *ledger.MemoryLedger
	agent  *submission.Agent
	signer *security.Signer
	prices *fakePrices
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	prices := &fakePrices{prices: map[string][]model.Observation{
		"ABC": garch.SimulatePrices(rng, start, 520, 0.05, 0.1, 0.85),
	}}

	signer, err := security.GenerateSigner()
	require.NoError(t, err)

	l := ledger.NewMemoryLedger(ledger.MemoryOptions{})
	_, err = l.Grant(context.Background(), signer.Address(), "ABC")
	require.NoError(t, err)

	st := store.New(nil)
	sink := &capturingSink{}
	agent := submission.NewAgent(l).WithGuard(circuitbreaker.New(circuitbreaker.Thresholds{}))

	svc := New(Options{
		Store:       st,
		Fitter:      garch.NewFitter(garch.NewQMLE()),
		Engine:      forecast.NewEngine(st, forecast.Options{}),
		Coordinator: coordinator.New(coordinator.Options{}),
		Ledger:      l,
		Agent:       agent,
		Prices:      prices,
		Submitter:   signer,
		Exporter:    sink,
	})
	return &harness{sink: sink, svc: svc, ledger: l, agent: agent, signer: signer, prices: prices}
}

func TestService_FitPredictSubmitScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	fit := h.svc.Fit(ctx, FitRequest{Ticker: "abc", UseNewData: true, NObservations: 500, P: 1, Q: 1})
	require.True(t, fit.Success, fit.Message)
	assert.Equal(t, "ABC", fit.Ticker)
	assert.Equal(t, 500, fit.NObservations)
	require.NotNil(t, fit.Model)
	assert.Equal(t, 500, fit.Model.SampleSize)
	assert.Less(t, fit.Model.Persistence, 1.0)

	predict := h.svc.Predict(ctx, PredictRequest{Ticker: "ABC", NDays: 5})
	require.True(t, predict.Success, predict.Message)
	require.Len(t, predict.Forecast, 5)
	for date, v := range predict.Forecast {
		assert.Greater(t, v, 0.0, date)
	}
	require.NotNil(t, predict.Summary)
	assert.Greater(t, predict.Summary.AnnualizedVolatility, 0.0)

	first := h.svc.Submit(ctx, SubmitRequest{Ticker: "ABC", NDays: 5})
	require.True(t, first.Success, first.Message)
	assert.Equal(t, uint64(1), first.Record.Sequence)
	assert.Equal(t, predict.Forecast, first.Forecast)

	second := h.svc.Submit(ctx, SubmitRequest{Ticker: "ABC", NDays: 5})
	require.True(t, second.Success, second.Message)
	assert.Equal(t, uint64(2), second.Record.Sequence)
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, second.Record.ID, h.sink.records[1].ID)

	pinned, err := h.svc.opts.Engine.Forecast(ctx, "ABC", 5)
	require.NoError(t, err)
	_, err = h.agent.SubmitWithSequence(ctx, "ABC", pinned, h.signer, 1)
	assert.Equal(t, CodeSequenceConflict, ErrorCode(err))

	latest := h.svc.Latest(ctx, "abc")
	require.True(t, latest.Success, latest.Message)
	assert.Equal(t, second.Record.ID, latest.Record.ID)
	assert.Equal(t, second.Forecast, latest.Forecast)
}

func TestService_PredictBeforeFit(t *testing.T) {
	h := newHarness(t)

	resp := h.svc.Predict(context.Background(), PredictRequest{Ticker: "ABC", NDays: 5})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeModelMissing, resp.ErrorCode)
	assert.NotNil(t, resp.Forecast)
	assert.Empty(t, resp.Forecast)
	assert.Nil(t, resp.Summary)
}

func TestService_FitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := []struct {
		name string
		req  FitRequest
		code string
	}{
		{"bad ticker", FitRequest{Ticker: "ab c", NObservations: 200, P: 1, Q: 1}, CodeInvalidTicker},
		{"too few observations", FitRequest{Ticker: "ABC", NObservations: 10, P: 1, Q: 1}, CodeInvalidRequest},
		{"zero order", FitRequest{Ticker: "ABC", NObservations: 200, P: 0, Q: 1}, CodeInvalidRequest},
		{"no history", FitRequest{Ticker: "ABC", NObservations: 200, P: 1, Q: 1}, CodeInsufficientData},
		{"unknown ticker upstream", FitRequest{Ticker: "XYZ", UseNewData: true, NObservations: 200, P: 1, Q: 1}, CodeNoData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.svc.Fit(ctx, tc.req)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.code, resp.ErrorCode)
			assert.Nil(t, resp.Model)
		})
	}
}

func TestService_FailedFitKeepsPreviousModel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ok := h.svc.Fit(ctx, FitRequest{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 1, Q: 1})
	require.True(t, ok.Success, ok.Message)

	failed := h.svc.Fit(ctx, FitRequest{Ticker: "ABC", NObservations: 5000, P: 1, Q: 1})
	assert.False(t, failed.Success)
	assert.Equal(t, CodeInsufficientData, failed.ErrorCode)

	predict := h.svc.Predict(ctx, PredictRequest{Ticker: "ABC", NDays: 3})
	require.True(t, predict.Success)
	assert.Equal(t, ok.Model.FitTimestamp, predict.ModelFitTimestamp)
}

func TestService_SubmitRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.True(t, h.svc.Fit(ctx, FitRequest{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 1, Q: 1}).Success)

	revoke := h.svc.Revoke(ctx, h.signer.Address().Hex(), "abc")
	require.True(t, revoke.Success, revoke.Message)
	require.Len(t, revoke.Entries, 1)
	assert.False(t, revoke.Entries[0].Active)

	resp := h.svc.Submit(ctx, SubmitRequest{Ticker: "ABC", NDays: 2})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeUnauthorized, resp.ErrorCode)
	assert.Nil(t, resp.Record)
	assert.Empty(t, h.sink.records)

	latest := h.svc.Latest(ctx, "ABC")
	assert.False(t, latest.Success)
	assert.Equal(t, CodeNoRecord, latest.ErrorCode)
}

func TestService_AdminCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	grant := h.svc.Grant(ctx, other.Hex(), "*")
	require.True(t, grant.Success, grant.Message)
	assert.Equal(t, model.WildcardTicker, grant.Entries[0].Ticker)

	bad := h.svc.Grant(ctx, "not-an-address", "ABC")
	assert.Equal(t, CodeInvalidRequest, bad.ErrorCode)

	entries := h.svc.Entries(ctx)
	require.True(t, entries.Success)
	assert.Len(t, entries.Entries, 2)

	noAdmin := New(Options{Ledger: ledger.Ledger(nonAdminLedger{})})
	assert.Equal(t, CodeUnavailable, noAdmin.Entries(ctx).ErrorCode)
}

type nonAdminLedger struct{ ledger.Ledger }

func TestService_StatusReportsInstruments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.True(t, h.svc.Fit(ctx, FitRequest{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 1, Q: 1}).Success)

	status := h.svc.Status(ctx)
	require.Len(t, status.Instruments, 1)
	assert.Equal(t, "ABC", status.Instruments[0].Ticker)
	assert.Equal(t, "idle", status.Instruments[0].State)
	assert.Equal(t, 521, status.Instruments[0].Observations)
	assert.NotNil(t, status.Instruments[0].Model)
	assert.Equal(t, h.signer.Address().Hex(), status.Submitter)
}

func TestService_SubmitWithoutIdentity(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.Submitter = nil

	resp := h.svc.Submit(context.Background(), SubmitRequest{Ticker: "ABC", NDays: 2})
	assert.Equal(t, CodeUnavailable, resp.ErrorCode)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, CodeBusy, ErrorCode(fmt.Errorf("%w: %w", coordinator.ErrBusy, context.DeadlineExceeded)))
	assert.Equal(t, CodeTimeout, ErrorCode(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeInvalidTicker, ErrorCode(fmt.Errorf("%w: x", validation.ErrInvalidTicker)))
}

func TestApplyGrants(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(ledger.MemoryOptions{})
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	require.NoError(t, ApplyGrants(ctx, l, map[common.Address][]string{addr: {"ABC", "DEF"}}))

	_, ok, err := l.Authorization(ctx, addr, "DEF")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, ApplyGrants(ctx, nonAdminLedger{}, map[common.Address][]string{addr: {"ABC"}}))
}

type gatedFitter struct {
	inner   ModelFitter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedFitter(inner ModelFitter) *gatedFitter {
	return &gatedFitter{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedFitter) Fit(ctx context.Context, ticker string, window []model.Observation, p, q int) (*model.FittedModel, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Fit(ctx, ticker, window, p, q)
}

type failingFitter struct{}

func (failingFitter) Fit(context.Context, string, []model.Observation, int, int) (*model.FittedModel, error) {
	return nil, fmt.Errorf("%w: forced", garch.ErrNonConvergent)
}

func TestService_ConcurrentFitsCommitOneWholeOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	reqs := []FitRequest{
		{Ticker: "ABC", UseNewData: true, NObservations: 300, P: 1, Q: 1},
		{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 2, Q: 2},
	}
	resps := make([]FitResponse, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req FitRequest) {
			defer wg.Done()
			resps[i] = h.svc.Fit(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for _, r := range resps {
		require.True(t, r.Success, r.Message)
	}

	final, err := h.svc.opts.Store.GetModel(ctx, "ABC")
	require.NoError(t, err)
	require.NotNil(t, final)

	var matched *ModelSummary
	for i, r := range resps {
		if r.Model.P == final.P {
			matched = r.Model
			assert.Equal(t, reqs[i].NObservations, final.SampleSize)
		}
	}
	require.NotNil(t, matched, "final model must come from one of the requests")
	assert.Equal(t, matched.Q, final.Q)
	assert.Equal(t, matched.SampleSize, final.SampleSize)
	assert.Equal(t, matched.SampleSize, final.Window.Count)
	assert.Equal(t, matched.WindowStart, final.Window.Start)
	assert.Equal(t, matched.WindowEnd, final.Window.End)
	assert.Equal(t, matched.Omega, final.Omega)
	assert.Equal(t, matched.Alpha, final.Alpha)
	assert.Equal(t, matched.Beta, final.Beta)
	assert.Equal(t, matched.FitTimestamp, final.FitTimestamp)
}

func TestService_PredictDoesNotWaitOnFit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.svc.Fit(ctx, FitRequest{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 1, Q: 1})
	require.True(t, first.Success, first.Message)

	gate := newGatedFitter(h.svc.opts.Fitter)
	h.svc.opts.Fitter = gate

	done := make(chan FitResponse, 1)
	go func() {
		done <- h.svc.Fit(ctx, FitRequest{Ticker: "ABC", NObservations: 400, P: 1, Q: 1})
	}()
	<-gate.entered

	predictCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	predict := h.svc.Predict(predictCtx, PredictRequest{Ticker: "ABC", NDays: 3})
	require.True(t, predict.Success, predict.Message)
	assert.Equal(t, first.Model.FitTimestamp, predict.ModelFitTimestamp, "forecasts use the committed model")

	close(gate.release)
	second := <-done
	require.True(t, second.Success, second.Message)
	assert.Equal(t, 400, second.Model.SampleSize)
}

func TestService_FailedFitLeavesHistoryUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.opts.Fitter = failingFitter{}

	resp := h.svc.Fit(ctx, FitRequest{Ticker: "ABC", UseNewData: true, NObservations: 500, P: 1, Q: 1})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeNonConvergent, resp.ErrorCode)
	assert.Equal(t, 1, h.prices.calls)

	inst, err := h.svc.opts.Store.GetOrCreate(ctx, "ABC")
	require.NoError(t, err)
	assert.Zero(t, inst.Len(), "fetched prices are kept only by a successful fit")
	assert.Nil(t, inst.Model())
}
