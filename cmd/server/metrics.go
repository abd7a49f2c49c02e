package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	busyRejections  *prometheus.CounterVec
	ledgerSequence  *prometheus.GaugeVec
	circuitBreaker  prometheus.Gauge
	rateLimited     prometheus.Counter
}

// registerMetrics sets up Prometheus metrics on a registry owned by the server
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vol_oracle_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"op", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vol_oracle_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		busyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vol_oracle_busy_rejections_total",
				Help: "Requests turned away because their ticker was busy",
			},
			[]string{"op"},
		),
		ledgerSequence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vol_oracle_ledger_sequence",
				Help: "Last sequence number accepted for a submitter",
			},
			[]string{"submitter"},
		),
		circuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vol_oracle_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vol_oracle_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
		),
	}

	m.registry.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.busyRejections,
		m.ledgerSequence,
		m.circuitBreaker,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
