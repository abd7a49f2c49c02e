// Package main is the entry point for the volatility oracle: it fits GARCH
// models on daily prices, serves variance forecasts, and publishes signed
// forecasts to the oracle ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/vol-oracle/internal/circuitbreaker"
	"github.com/yourorg/vol-oracle/internal/config"
	"github.com/yourorg/vol-oracle/internal/coordinator"
	"github.com/yourorg/vol-oracle/internal/enterprise"
	"github.com/yourorg/vol-oracle/internal/fetch"
	"github.com/yourorg/vol-oracle/internal/forecast"
	"github.com/yourorg/vol-oracle/internal/garch"
	"github.com/yourorg/vol-oracle/internal/ledger"
	"github.com/yourorg/vol-oracle/internal/otel"
	"github.com/yourorg/vol-oracle/internal/security"
	"github.com/yourorg/vol-oracle/internal/service"
	"github.com/yourorg/vol-oracle/internal/store"
	"github.com/yourorg/vol-oracle/internal/submission"
	"github.com/yourorg/vol-oracle/internal/types"
)

// version is reported by /health and /status
const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server represents the oracle server instance
type Server struct {
	config config.Config

	svc         *service.Service
	ledger      ledger.Ledger
	breaker     *circuitbreaker.CircuitBreaker
	coordinator *coordinator.Coordinator
	submitter   *security.Signer
	network     *types.NetworkConfig

	metrics  *serverMetrics
	limiter  *rate.Limiter
	exporter *enterprise.RecordExporter

	server      *http.Server
	adminServer *http.Server

	// released in reverse order on shutdown
	closers []func(context.Context) error
}

// main is the entry point for the application
func main() {
	cfg, err := config.LoadFile(config.GetEnvOrDefault("CONFIG_FILE", ""))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	server, err := NewServer(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging(level, format string) {
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer wires the oracle's components from configuration
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{config: cfg, metrics: registerMetrics()}

	shutdownTracer, err := otel.InitTracer(ctx, cfg.OtelEndpoint)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, shutdownTracer)

	policy, err := coordinator.ParsePolicy(cfg.BusyPolicy)
	if err != nil {
		return nil, err
	}
	stalePolicy, err := forecast.ParseStalePolicy(cfg.StaleModelPolicy)
	if err != nil {
		return nil, err
	}

	var repo store.Repository
	if cfg.DBPath != "" {
		sqlRepo, err := store.NewSQLRepository(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		repo = sqlRepo
		s.closers = append(s.closers, func(context.Context) error { return sqlRepo.Close() })
	}
	instruments := store.New(repo)

	if err := s.setupSubmitter(cfg); err != nil {
		return nil, err
	}
	if err := s.setupLedger(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.applyGrants(ctx, cfg); err != nil {
		return nil, err
	}

	s.breaker = circuitbreaker.New(circuitbreaker.Thresholds{
		MaxVariance:            cfg.BreakerMaxVariance,
		MaxJump:                cfg.BreakerMaxJump,
		MaxConsecutiveFailures: cfg.BreakerMaxFailures,
	}).WithResetDelay(cfg.CircuitResetDelay).WithTripCallback(func(reason string) {
		logrus.Warnf("Circuit breaker tripped: %s", reason)
		s.metrics.circuitBreaker.Set(float64(circuitbreaker.StateOpen))
	})

	s.coordinator = coordinator.New(coordinator.Options{
		Policy:        policy,
		FitTimeout:    cfg.FitTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
		OnBusy: func(op coordinator.Op, ticker string) {
			s.metrics.busyRejections.WithLabelValues(string(op)).Inc()
		},
	})

	if cfg.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	// a nil *RecordExporter must not reach the service as a non-nil interface
	var sink service.RecordSink
	if cfg.WebhookURL != "" {
		exporter, err := enterprise.NewRecordExporter(enterprise.ExporterConfig{
			WebhookURL:     cfg.WebhookURL,
			WebhookAPIKey:  cfg.WebhookAPIKey,
			BatchSize:      cfg.ExportBatchSize,
			ExportInterval: cfg.ExportInterval,
			Timeout:        cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.exporter = exporter
		sink = exporter
		s.closers = append(s.closers, func(ctx context.Context) error {
			exporter.Stop(ctx)
			return nil
		})
	}

	var prices fetch.Client
	if cfg.AlphaVantageAPIKey != "" {
		prices = fetch.NewAlphaVantageClient(cfg.AlphaVantageURL, cfg.AlphaVantageAPIKey, cfg.RequestTimeout)
	} else {
		logrus.Warn("ALPHA_VANTAGE_API_KEY not set; fits with use_new_data will fail")
	}

	opts := service.Options{
		Store:       instruments,
		Fitter:      garch.NewFitter(garch.NewQMLE()),
		Engine:      forecast.NewEngine(instruments, forecast.Options{StalePolicy: stalePolicy, MaxAge: cfg.ModelMaxAge}),
		Coordinator: s.coordinator,
		Ledger:      s.ledger,
		Agent:       submission.NewAgent(s.ledger).WithGuard(s.breaker),
		Prices:      prices,
		Submitter:   s.submitter,
		Exporter:    sink,
	}
	s.svc = service.New(opts)

	fields := logrus.Fields{
		"port":         cfg.Port,
		"ledger_mode":  cfg.LedgerMode,
		"busy_policy":  policy,
		"stale_policy": stalePolicy,
		"db_path":      cfg.DBPath,
		"submitter":    s.submitter.Address().Hex(),
	}
	if s.network != nil {
		fields["network"] = s.network.Name
	}
	logrus.WithFields(fields).Info("Server initialized")

	return s, nil
}

// setupSubmitter loads the service's submitter key. Without one the memory
// ledger gets an ephemeral key; the EVM ledger cannot run without a key.
func (s *Server) setupSubmitter(cfg config.Config) error {
	if cfg.SubmitterPrivateKey != "" {
		signer, err := security.NewSigner(cfg.SubmitterPrivateKey)
		if err != nil {
			return err
		}
		s.submitter = signer
		return nil
	}
	if cfg.LedgerMode == "evm" {
		return fmt.Errorf("SUBMITTER_PRIVATE_KEY is required for the evm ledger")
	}
	signer, err := security.GenerateSigner()
	if err != nil {
		return err
	}
	logrus.WithField("submitter", signer.Address().Hex()).Warn("SUBMITTER_PRIVATE_KEY not set; using an ephemeral submitter key")
	s.submitter = signer
	return nil
}

// setupLedger connects the configured ledger
func (s *Server) setupLedger(ctx context.Context, cfg config.Config) error {
	switch cfg.LedgerMode {
	case "", "memory":
		s.ledger = ledger.NewMemoryLedger(ledger.MemoryOptions{RevocationGrace: cfg.RevocationGrace})
		return nil

	case "evm":
		network, err := types.LookupNetwork(cfg.Network)
		if err != nil {
			return err
		}
		if cfg.RPCEndpoint != "" {
			network.RPCEndpoint = cfg.RPCEndpoint
		}
		if !common.IsHexAddress(cfg.OracleContract) {
			return fmt.Errorf("ORACLE_CONTRACT %q is not an address", cfg.OracleContract)
		}

		client, err := ethclient.DialContext(ctx, network.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", network.RPCEndpoint, err)
		}
		s.closers = append(s.closers, func(context.Context) error {
			client.Close()
			return nil
		})

		evm, err := ledger.NewEVMLedger(ctx, client, ledger.EVMOptions{
			Contract:      common.HexToAddress(cfg.OracleContract),
			Key:           s.submitter.PrivateKey(),
			ChainID:       network.ChainID,
			GasLimit:      uint64(cfg.GasLimit),
			Confirmations: uint64(cfg.Confirmations),
		})
		if err != nil {
			return err
		}
		s.ledger = evm
		s.network = &network
		logrus.WithFields(logrus.Fields{
			"network":  network.Name,
			"chain_id": network.ChainID,
			"contract": cfg.OracleContract,
		}).Info("Connected to oracle contract")
		return nil

	default:
		return fmt.Errorf("unknown ledger mode %q", cfg.LedgerMode)
	}
}

// applyGrants loads the grants file into the ledger. A memory ledger
// without a grants file authorizes the service's own submitter for every ticker.
func (s *Server) applyGrants(ctx context.Context, cfg config.Config) error {
	if cfg.GrantsFile != "" {
		grants, err := config.LoadGrants(cfg.GrantsFile)
		if err != nil {
			return err
		}
		return service.ApplyGrants(ctx, s.ledger, grants.ByAddress())
	}
	if _, ok := s.ledger.(ledger.Administrator); ok {
		logrus.Warn("GRANTS_FILE not set; authorizing the service submitter for all tickers")
		return service.ApplyGrants(ctx, s.ledger, map[common.Address][]string{
			s.submitter.Address(): {"*"},
		})
	}
	return nil
}

// Handler returns the public API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/fit", method(http.MethodPost, s.handleFit))
	mux.HandleFunc("/predict", method(http.MethodPost, s.handlePredict))
	mux.HandleFunc("/submit-onchain", method(http.MethodPost, s.handleSubmit))
	mux.HandleFunc("/ledger/latest", method(http.MethodGet, s.handleLatest))
	mux.HandleFunc("/hello", method(http.MethodGet, s.handleHello))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", method(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	mux.Handle("/metrics", s.metricsHandler())

	limited := withRateLimit(s.limiter, s.metrics.rateLimited.Inc, mux)
	return withRequestID(withCORS(s.config.CORSOrigins, limited))
}

// AdminHandler returns the authorization management API
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/grant", method(http.MethodPost, s.handleGrant))
	mux.HandleFunc("/admin/revoke", method(http.MethodPost, s.handleRevoke))
	mux.HandleFunc("/admin/entries", method(http.MethodGet, s.handleEntries))
	return withRequestID(withBearerToken(s.config.AdminToken, mux))
}

// Start begins the HTTP servers and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	if s.config.AdminToken != "" {
		s.adminServer = &http.Server{
			Addr:         ":" + s.config.AdminPort,
			Handler:      s.AdminHandler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logrus.Infof("Admin server starting on port %s", s.config.AdminPort)
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Fatalf("Error starting admin server: %v", err)
			}
		}()
	} else {
		logrus.Info("ADMIN_TOKEN not set; admin listener disabled")
	}

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
		os.Exit(1)
	}
	logrus.Info("Server stopped")
}

// Shutdown stops the listeners, then releases resources in reverse order
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{s.server, s.adminServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeTimeout leaves room for the slowest coordinated operation
func (s *Server) writeTimeout() time.Duration {
	longest := s.config.FitTimeout
	if s.config.SubmitTimeout > longest {
		longest = s.config.SubmitTimeout
	}
	return longest + 15*time.Second
}
