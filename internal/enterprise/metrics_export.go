// Package enterprise exports accepted ledger records to downstream consumers.
package enterprise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
)

// RecordExporter batches accepted submission records and posts them to a webhook
type RecordExporter struct {
	config     ExporterConfig
	httpClient *retryablehttp.Client

	mutex      sync.Mutex
	batch      []model.SubmissionRecord
	lastExport time.Time
	exported   int
	failures   int

	flush  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// ExporterConfig holds configuration for record exporting
type ExporterConfig struct {
	WebhookURL     string
	WebhookAPIKey  string
	BatchSize      int
	ExportInterval time.Duration
	Timeout        time.Duration
}

// exportPayload is the webhook body
type exportPayload struct {
	Records    []model.SubmissionRecord `json:"records"`
	ExportTime string                   `json:"export_time"`
	Count      int                      `json:"count"`
}

// NewRecordExporter creates an exporter and starts its background flush loop.
// Call Stop to flush the remaining batch and end the loop.
func NewRecordExporter(config ExporterConfig) (*RecordExporter, error) {
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = nil

	ctx, cancel := context.WithCancel(context.Background())
	e := &RecordExporter{
		config:     config,
		httpClient: client,
		batch:      make([]model.SubmissionRecord, 0, config.BatchSize),
		flush:      make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go e.periodicExport(ctx)

	logrus.WithFields(logrus.Fields{
		"batch_size": config.BatchSize,
		"interval":   config.ExportInterval,
	}).Info("Record exporter initialized")
	return e, nil
}

// Add queues a record for export. A full batch is flushed without waiting
// for the next interval.
func (e *RecordExporter) Add(rec model.SubmissionRecord) {
	e.mutex.Lock()
	e.batch = append(e.batch, rec)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		select {
		case e.flush <- struct{}{}:
		default:
		}
	}
}

func (e *RecordExporter) periodicExport(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.export(ctx)
		case <-e.flush:
			e.export(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// export posts the current batch. A failed batch is put back in front of
// records queued since.
func (e *RecordExporter) export(ctx context.Context) {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return
	}
	records := e.batch
	e.batch = make([]model.SubmissionRecord, 0, e.config.BatchSize)
	e.mutex.Unlock()

	err := e.post(ctx, records)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err != nil {
		e.failures++
		e.batch = append(records, e.batch...)
		logrus.WithError(err).WithField("count", len(records)).Error("Failed to export records")
		return
	}
	e.exported += len(records)
	e.lastExport = time.Now()
	logrus.WithField("count", len(records)).Info("Exported records to webhook")
}

func (e *RecordExporter) post(ctx context.Context, records []model.SubmissionRecord) error {
	body, err := json.Marshal(exportPayload{
		Records:    records,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(records),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop ends the flush loop and makes a final export attempt
func (e *RecordExporter) Stop(ctx context.Context) {
	e.cancel()
	<-e.done
	e.export(ctx)
}

// Status reports the exporter's counters
func (e *RecordExporter) Status() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := map[string]interface{}{
		"batch_size":      e.config.BatchSize,
		"export_interval": e.config.ExportInterval.String(),
		"pending":         len(e.batch),
		"exported":        e.exported,
		"failures":        e.failures,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
