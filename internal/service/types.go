package service

import (
	"time"

	"github.com/yourorg/vol-oracle/internal/aggregate"
	"github.com/yourorg/vol-oracle/internal/model"
)

// FitRequest asks for a GARCH(p,q) fit on the last NObservations returns
type FitRequest struct {
	Ticker        string `json:"ticker"`
	UseNewData    bool   `json:"use_new_data"`
	NObservations int    `json:"n_observations"`
	P             int    `json:"p"`
	Q             int    `json:"q"`
}

// PredictRequest asks for an NDays forecast from the current model
type PredictRequest struct {
	Ticker string `json:"ticker"`
	NDays  int    `json:"n_days"`
}

// SubmitRequest asks for an NDays forecast to be written to the ledger
type SubmitRequest struct {
	Ticker string `json:"ticker"`
	NDays  int    `json:"n_days"`
}

// ModelSummary is the externally visible part of a fitted model
type ModelSummary struct {
	P               int       `json:"p"`
	Q               int       `json:"q"`
	Mu              float64   `json:"mu"`
	Omega           float64   `json:"omega"`
	Alpha           []float64 `json:"alpha"`
	Beta            []float64 `json:"beta"`
	Persistence     float64   `json:"persistence"`
	LongRunVariance float64   `json:"long_run_variance"`
	LogLikelihood   float64   `json:"log_likelihood"`
	SampleSize      int       `json:"sample_size"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	FitTimestamp    time.Time `json:"fit_timestamp"`
	Age             string    `json:"age"`
}

// FitResponse echoes the request and reports the outcome
type FitResponse struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Ticker        string        `json:"ticker"`
	UseNewData    bool          `json:"use_new_data"`
	NObservations int           `json:"n_observations"`
	P             int           `json:"p"`
	Q             int           `json:"q"`
	Model         *ModelSummary `json:"model,omitempty"`
}

func (r FitResponse) fail(err error) FitResponse {
	r.Success = false
	r.Message = err.Error()
	r.ErrorCode = ErrorCode(err)
	return r
}

// PredictResponse carries the dated forecast. Forecast is empty, never
// null, on failure.
type PredictResponse struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	ErrorCode         string             `json:"error_code,omitempty"`
	Ticker            string             `json:"ticker"`
	NDays             int                `json:"n_days"`
	Forecast          map[string]float64 `json:"forecast"`
	Summary           *aggregate.Summary `json:"summary,omitempty"`
	ModelFitTimestamp time.Time          `json:"model_fit_timestamp,omitempty"`
	Warning           string             `json:"warning,omitempty"`
}

func (r PredictResponse) fail(err error) PredictResponse {
	r.Success = false
	r.Message = err.Error()
	r.ErrorCode = ErrorCode(err)
	r.Forecast = map[string]float64{}
	r.Summary = nil
	return r
}

// SubmitResponse carries the accepted ledger record
type SubmitResponse struct {
	Success   bool                    `json:"success"`
	Message   string                  `json:"message"`
	ErrorCode string                  `json:"error_code,omitempty"`
	Ticker    string                  `json:"ticker"`
	NDays     int                     `json:"n_days"`
	Forecast  map[string]float64      `json:"forecast"`
	Record    *model.SubmissionRecord `json:"record,omitempty"`
}

func (r SubmitResponse) fail(err error) SubmitResponse {
	r.Success = false
	r.Message = err.Error()
	r.ErrorCode = ErrorCode(err)
	r.Forecast = map[string]float64{}
	r.Record = nil
	return r
}

// LatestResponse carries the ledger's latest record for a ticker
type LatestResponse struct {
	Success   bool                    `json:"success"`
	Message   string                  `json:"message"`
	ErrorCode string                  `json:"error_code,omitempty"`
	Ticker    string                  `json:"ticker"`
	Forecast  map[string]float64      `json:"forecast"`
	Record    *model.SubmissionRecord `json:"record,omitempty"`
}

func (r LatestResponse) fail(err error) LatestResponse {
	r.Success = false
	r.Message = err.Error()
	r.ErrorCode = ErrorCode(err)
	r.Forecast = map[string]float64{}
	return r
}

// InstrumentStatus summarizes one instrument
type InstrumentStatus struct {
	Ticker       string        `json:"ticker"`
	State        string        `json:"state"`
	Observations int           `json:"observations"`
	Model        *ModelSummary `json:"model,omitempty"`
}

// StatusResponse lists every known instrument
type StatusResponse struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Submitter   string             `json:"submitter,omitempty"`
	Instruments []InstrumentStatus `json:"instruments"`
}

// AdminResponse reports authorization changes
type AdminResponse struct {
	Success   bool                       `json:"success"`
	Message   string                     `json:"message"`
	ErrorCode string                     `json:"error_code,omitempty"`
	Entries   []model.AuthorizationEntry `json:"entries"`
}

func (r AdminResponse) fail(err error) AdminResponse {
	r.Success = false
	r.Message = err.Error()
	r.ErrorCode = ErrorCode(err)
	r.Entries = []model.AuthorizationEntry{}
	return r
}
