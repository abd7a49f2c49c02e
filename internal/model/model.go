// Package model defines the core data structures for the volatility oracle.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DateLayout is the calendar-day key format used for forecast dates
const DateLayout = "2006-01-02"

// Observation is a single dated price point for an instrument
type Observation struct {
	// Timestamp of the observation, always stored in UTC
	Timestamp time.Time `json:"timestamp"`

	// Value is the closing price
	Value float64 `json:"value"`
}

// Window records the exact observation range a model was fitted on.
// Bounds are recorded at fit time and never re-derived.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// FittedModel is an immutable GARCH(p,q) fit.
// Refitting produces a new value; an existing one is never mutated.
type FittedModel struct {
	Ticker string `json:"ticker"`

	// Orders: P lagged squared residual terms, Q lagged variance terms
	P int `json:"p"`
	Q int `json:"q"`

	Mu    float64   `json:"mu"`
	Omega float64   `json:"omega"`
	Alpha []float64 `json:"alpha"`
	Beta  []float64 `json:"beta"`

	// Terminal state of the fitted window, oldest first.
	// TerminalResiduals holds the last P squared residuals, TerminalVariances the last Q variances.
	TerminalResiduals []float64 `json:"terminal_residuals"`
	TerminalVariances []float64 `json:"terminal_variances"`

	// LastObservation is the timestamp forecasts are dated from
	LastObservation time.Time `json:"last_observation"`

	Window        Window    `json:"window"`
	FitTimestamp  time.Time `json:"fit_timestamp"`
	SampleSize    int       `json:"sample_size"`
	LogLikelihood float64   `json:"log_likelihood"`
	Iterations    int       `json:"iterations"`
	Converged     bool      `json:"converged"`
}

// Persistence is sum(alpha) + sum(beta); below one for a stationary model
func (m *FittedModel) Persistence() float64 {
	var total float64
	for _, a := range m.Alpha {
		total += a
	}
	for _, b := range m.Beta {
		total += b
	}
	return total
}

// LongRunVariance returns the unconditional variance the forecasts converge to,
// or zero when the model is not stationary.
func (m *FittedModel) LongRunVariance() float64 {
	persistence := m.Persistence()
	if persistence >= 1 {
		return 0
	}
	return m.Omega / (1 - persistence)
}

// ForecastPoint is one dated conditional variance value
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// ForecastSequence is an ordered forecast generated from exactly one FittedModel
type ForecastSequence struct {
	Ticker string `json:"ticker"`

	// ModelFitTimestamp identifies the source model for staleness checks
	ModelFitTimestamp time.Time `json:"model_fit_timestamp"`

	Points []ForecastPoint `json:"points"`

	// Warning is set when the source model exceeded its freshness bound but was used anyway
	Warning string `json:"warning,omitempty"`
}

// Values returns the forecast values in date order
func (f ForecastSequence) Values() []float64 {
	values := make([]float64, len(f.Points))
	for i, p := range f.Points {
		values[i] = p.Value
	}
	return values
}

// AsMap renders the forecast as date -> value. JSON encoding sorts the keys,
// and ISO dates sort chronologically, so the mapping stays ordered on the wire.
func (f ForecastSequence) AsMap() map[string]float64 {
	out := make(map[string]float64, len(f.Points))
	for _, p := range f.Points {
		out[p.Date.Format(DateLayout)] = p.Value
	}
	return out
}

// StartDate is the date of the first forecast point, zero when empty
func (f ForecastSequence) StartDate() time.Time {
	if len(f.Points) == 0 {
		return time.Time{}
	}
	return f.Points[0].Date
}

// SubmissionRecord is a forecast accepted (or about to be written) to the ledger
type SubmissionRecord struct {
	ID           string         `json:"id"`
	Ticker       string         `json:"ticker"`
	Submitter    common.Address `json:"submitter"`
	Sequence     uint64         `json:"sequence"`
	FitTimestamp time.Time      `json:"fit_timestamp"`
	StartDate    time.Time      `json:"start_date"`
	Values       []float64      `json:"values"`
	Signature    []byte         `json:"signature,omitempty"`

	// AuthEpoch is the ledger authorization epoch observed when the write was prepared
	AuthEpoch uint64 `json:"auth_epoch"`

	// Filled in by the ledger on acceptance
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	AcceptedAt  time.Time `json:"accepted_at,omitempty"`
}

// Forecast rebuilds the dated forecast carried by the record
func (r SubmissionRecord) Forecast() map[string]float64 {
	out := make(map[string]float64, len(r.Values))
	for i, v := range r.Values {
		out[r.StartDate.AddDate(0, 0, i).Format(DateLayout)] = v
	}
	return out
}

// WildcardTicker grants a submitter every ticker
const WildcardTicker = "*"

// AuthorizationEntry is a submitter's write permission for one ticker scope
type AuthorizationEntry struct {
	Submitter    common.Address `json:"submitter" yaml:"submitter"`
	Ticker       string         `json:"ticker" yaml:"ticker"`
	Active       bool           `json:"active" yaml:"active"`
	GrantedEpoch uint64         `json:"granted_epoch" yaml:"-"`
	RevokedEpoch uint64         `json:"revoked_epoch,omitempty" yaml:"-"`
}

// NormalizeTicker trims and upper-cases a ticker
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// NormalizeObservations sorts observations by time, converts timestamps to UTC
// and keeps the first observation for each timestamp.
func NormalizeObservations(observations []Observation) []Observation {
	out := make([]Observation, 0, len(observations))
	for _, o := range observations {
		o.Timestamp = o.Timestamp.UTC()
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	deduped := out[:0]
	for i, o := range out {
		if i > 0 && o.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, o)
	}
	return deduped
}

// Day truncates a timestamp to its UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
