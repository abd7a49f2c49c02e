package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/yourorg/vol-oracle/internal/model"
)

// ErrNoData is returned when the source has no prices for a ticker
var ErrNoData = errors.New("no price data")

// AlphaVantageClient implements a client for the Alpha Vantage daily series API
type AlphaVantageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAlphaVantageClient creates a new Alpha Vantage API client
func NewAlphaVantageClient(baseURL, apiKey string, timeout time.Duration) *AlphaVantageClient {
	return &AlphaVantageClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: StandardClient(newRetryClient(timeout)),
	}
}

// Fetch retrieves the full daily close history of ticker
func (c *AlphaVantageClient) Fetch(ctx context.Context, ticker string) ([]model.Observation, error) {
	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", model.NormalizeTicker(ticker))
	q.Set("outputsize", "full")
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	logrus.WithField("ticker", ticker).Debug("Fetching daily prices from Alpha Vantage")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching data from Alpha Vantage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Alpha Vantage API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("Alpha Vantage returned invalid JSON")
	}

	doc := gjson.ParseBytes(body)
	if msg := doc.Get("Error Message"); msg.Exists() {
		return nil, fmt.Errorf("%w for %s: %s", ErrNoData, ticker, msg.String())
	}
	if note := doc.Get("Note"); note.Exists() {
		return nil, fmt.Errorf("Alpha Vantage throttled: %s", note.String())
	}
	if info := doc.Get("Information"); info.Exists() {
		return nil, fmt.Errorf("Alpha Vantage refused: %s", info.String())
	}

	series := doc.Get(`Time Series \(Daily\)`)
	if !series.Exists() {
		return nil, fmt.Errorf("%w for %s: response has no daily series", ErrNoData, ticker)
	}

	var observations []model.Observation
	var parseErr error
	series.ForEach(func(date, bar gjson.Result) bool {
		ts, err := time.Parse(model.DateLayout, date.String())
		if err != nil {
			parseErr = fmt.Errorf("bad date %q: %w", date.String(), err)
			return false
		}
		closing, err := strconv.ParseFloat(bar.Get(`4\. close`).String(), 64)
		if err != nil {
			parseErr = fmt.Errorf("bad close on %s: %w", date.String(), err)
			return false
		}
		observations = append(observations, model.Observation{Timestamp: ts, Value: closing})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, ticker)
	}

	observations = model.NormalizeObservations(observations)
	logrus.WithField("ticker", ticker).Debugf("Received %d daily prices from Alpha Vantage", len(observations))
	return observations, nil
}
