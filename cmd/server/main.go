package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/jose-keywrap/internal/api"
	"github.com/kenneth/jose-keywrap/internal/audit"
	"github.com/kenneth/jose-keywrap/internal/config"
	"github.com/kenneth/jose-keywrap/internal/metrics"
	"github.com/kenneth/jose-keywrap/internal/middleware"
	"github.com/kenneth/jose-keywrap/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting JOSE key wrap service")

	// Initialize metrics
	metrics.SetVersion(version, commit)
	m := metrics.NewMetrics()
	stopCollector := m.StartSystemMetricsCollector()
	defer stopCollector()

	// Initialize tracing
	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(context.Background(), &cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize audit logger if enabled
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithFields(logrus.Fields{
			"max_events": cfg.Audit.MaxEvents,
		}).Info("Audit logging enabled")
	}

	// Build the key management registries
	provider, err := api.NewRegistryProvider(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure key management")
	}

	handler := api.NewHandlerWithFeatures(provider, logger, m, auditLogger)

	// Setup router
	router := mux.NewRouter()

	// Register metrics endpoint
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// Register API routes
	handler.RegisterRoutes(router)

	// Apply middleware. Router level middleware sees the matched route template.
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger, &cfg.Logging))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.BodyLimitMiddleware(cfg.Server.MaxBodyBytes))

	// Add rate limiting if enabled
	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		rateLimiter.SetLimitResolver(provider.RateLimitFor)
		router.Use(middleware.RateLimitMiddleware(rateLimiter))
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(true))
	}

	// Hot reload of the configuration file
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create config reloader")
	}
	reloader.SetOnReloadCallback(func(old, next *config.Config) error {
		if err := provider.Update(next); err != nil {
			m.RecordConfigReload(false)
			if auditLogger != nil {
				auditLogger.LogConfigReload(false, err, nil)
			}
			return err
		}

		setLogLevel(logger, next.LogLevel)
		if rateLimiter != nil {
			rateLimiter.SetLimit(next.RateLimit.Limit, next.RateLimit.Window)
		}
		if old.RateLimit.Enabled != next.RateLimit.Enabled {
			logger.Warn("rate_limit.enabled takes effect after a restart")
		}
		if old.ListenAddr != next.ListenAddr {
			logger.Warn("listen_addr takes effect after a restart")
		}

		m.RecordConfigReload(true)
		if auditLogger != nil {
			auditLogger.LogConfigReload(true, nil, map[string]interface{}{
				"default_algorithm":  next.PBES2.DefaultAlgorithm,
				"default_iterations": next.PBES2.DefaultIterations,
				"max_iterations":     next.PBES2.MaxIterations,
				"policies":           len(next.Policies),
			})
		}
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateClosed, http.StateHijacked:
				m.DecrementActiveConnections()
			}
		},
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()
	metrics.SetReady(true)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	metrics.SetReady(false)

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func setLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
