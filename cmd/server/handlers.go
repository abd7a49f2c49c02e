package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/vol-oracle/internal/service"
)

// Domain failures are reported in the body with success=false and an
// error_code; the HTTP status stays 200 unless the request never reached
// the service.

// observe records the outcome of one service call
func (s *Server) observe(r *http.Request, op string, start time.Time, success bool, code string) {
	status := "success"
	if !success {
		status = code
	}
	s.metrics.requestCounter.WithLabelValues(op, status).Inc()
	s.metrics.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	entry := logrus.WithFields(logrus.Fields{"request_id": requestID(r.Context()), "op": op})
	if success {
		entry.Debug("Request succeeded")
	} else {
		entry.WithField("error_code", code).Info("Request failed")
	}
}

func (s *Server) rejectBody(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.metrics.requestCounter.WithLabelValues(op, service.CodeInvalidRequest).Inc()
	logrus.WithFields(logrus.Fields{"request_id": requestID(r.Context()), "op": op}).WithError(err).Info("Malformed request")
	writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, err.Error())
}

// handleFit fits a model for the requested ticker
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req service.FitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.rejectBody(w, r, "fit", err)
		return
	}

	resp := s.svc.Fit(r.Context(), req)
	s.observe(r, "fit", start, resp.Success, resp.ErrorCode)
	writeJSON(w, http.StatusOK, resp)
}

// handlePredict forecasts from the current model
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req service.PredictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.rejectBody(w, r, "predict", err)
		return
	}

	resp := s.svc.Predict(r.Context(), req)
	s.observe(r, "predict", start, resp.Success, resp.ErrorCode)
	writeJSON(w, http.StatusOK, resp)
}

// handleSubmit forecasts and publishes the forecast to the ledger
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req service.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.rejectBody(w, r, "submit", err)
		return
	}

	resp := s.svc.Submit(r.Context(), req)
	s.observe(r, "submit", start, resp.Success, resp.ErrorCode)
	if resp.Success {
		s.metrics.ledgerSequence.WithLabelValues(resp.Record.Submitter.Hex()).Set(float64(resp.Record.Sequence))
	}
	s.metrics.circuitBreaker.Set(float64(s.breaker.GetState()))
	writeJSON(w, http.StatusOK, resp)
}

// handleLatest returns the ledger's latest record for ?ticker=
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := s.svc.Latest(r.Context(), r.URL.Query().Get("ticker"))
	s.observe(r, "latest", start, resp.Success, resp.ErrorCode)
	writeJSON(w, http.StatusOK, resp)
}

// handleHello is a liveness greeting
func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello from the volatility oracle"})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instruments := s.svc.Status(r.Context())

	status := map[string]interface{}{
		"status":        "operational",
		"uptime":        time.Since(startTime).Round(time.Second).String(),
		"version":       version,
		"submitter":     instruments.Submitter,
		"instruments":   instruments.Instruments,
		"circuit_state": s.breaker.GetState().String(),
		"configuration": map[string]interface{}{
			"ledger_mode":        s.config.LedgerMode,
			"busy_policy":        s.config.BusyPolicy,
			"stale_model_policy": s.config.StaleModelPolicy,
			"model_max_age":      s.config.ModelMaxAge.String(),
		},
	}
	if s.network != nil {
		status["network"] = s.network
	}
	if s.exporter != nil {
		status["exporter"] = s.exporter.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and resetting the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, "Unknown action")
			return
		}
		s.breaker.Reset()
		response["message"] = "Circuit breaker reset"
		logrus.WithField("request_id", requestID(r.Context())).Info("Circuit breaker reset by request")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	state := s.breaker.GetState()
	s.metrics.circuitBreaker.Set(float64(state))
	response["state"] = state.String()
	if ticker := r.URL.Query().Get("ticker"); ticker != "" {
		if mean, ok := s.breaker.LastGood(ticker); ok {
			response["last_good_mean_variance"] = mean
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// metricsHandler exposes the server's Prometheus registry
func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
}

// adminRequest is the body of grant and revoke calls
type adminRequest struct {
	Submitter string `json:"submitter"`
	Ticker    string `json:"ticker"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.rejectBody(w, r, "grant", err)
		return
	}
	resp := s.svc.Grant(r.Context(), req.Submitter, req.Ticker)
	logrus.WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"submitter":  req.Submitter,
		"ticker":     req.Ticker,
		"success":    resp.Success,
	}).Info("Admin grant")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.rejectBody(w, r, "revoke", err)
		return
	}
	resp := s.svc.Revoke(r.Context(), req.Submitter, req.Ticker)
	logrus.WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"submitter":  req.Submitter,
		"ticker":     req.Ticker,
		"success":    resp.Success,
	}).Info("Admin revoke")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Entries(r.Context()))
}
