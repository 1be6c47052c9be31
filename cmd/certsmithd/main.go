package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordgrid/certsmith/internal/acme"
	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/ca"
	"github.com/nordgrid/certsmith/internal/certs"
	"github.com/nordgrid/certsmith/internal/config"
	"github.com/nordgrid/certsmith/internal/resolver"
	"github.com/nordgrid/certsmith/internal/server"
	"github.com/nordgrid/certsmith/internal/storage"
	"github.com/nordgrid/certsmith/internal/x509util"
)

var logger *zap.Logger

// init initializes the main logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := storage.NewPostgreSQLStorage(
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	clk := clock.New()
	sink := audit.NewStorageSink(store)

	caService, err := ca.New(ctx, cfg, store, clk)
	if err != nil {
		logger.Fatal("Failed to initialize CA service", zap.Error(err))
	}

	engine := certs.NewEngine(store, sink, clk)
	// The CA certificate enters the same chain graph as everything it signs.
	if _, err := engine.Ingest(ctx, x509util.EncodePEM(caService.Certificate()), "", "", false); err != nil {
		logger.Fatal("Failed to ingest CA certificate", zap.Error(err))
	}
	if _, err := caService.GenerateCRL(ctx); err != nil {
		logger.Warn("Initial CRL generation failed", zap.Error(err))
	}

	txtClient, err := resolver.New(cfg.DNSResolverHost, cfg.DNSResolverPort,
		time.Duration(cfg.DNSTimeoutSeconds)*time.Second)
	if err != nil {
		logger.Fatal("Failed to initialize DNS resolver", zap.Error(err))
	}

	aligner := acme.NewAligner(store, sink, clk)
	validator := acme.NewValidator(store, txtClient, sink, aligner, clk, acme.ValidatorConfig{
		HTTP01Ports:    cfg.HTTP01Ports,
		HTTP01Timeout:  time.Duration(cfg.HTTP01TimeoutSeconds) * time.Second,
		TLSALPNPorts:   cfg.TLSALPNPorts,
		TLSALPNTimeout: time.Duration(cfg.TLSALPNTimeoutSecs) * time.Second,
	})

	deps := &server.Deps{
		Cfg:       cfg,
		Store:     store,
		CAService: caService,
		Engine:    engine,
		Validator: validator,
		Aligner:   aligner,
		Sink:      sink,
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, deps, logger)
	server.ApplyCommonMiddleware(httpsInstance, deps, logger)
	server.SetupRouter(httpInstance, httpsInstance, deps)

	serverCert, serverKey, err := ca.ServerCertificate(cfg, clk)
	if err != nil {
		logger.Fatal("Failed to generate HTTPS server certificate", zap.Error(err))
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("Starting HTTP listener", zap.String("addr", addr))
		if err := httpInstance.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP listener failed", zap.Error(err))
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPSPort)
		logger.Info("Starting HTTPS listener", zap.String("addr", addr))
		if err := httpsInstance.StartTLS(addr, serverCert, serverKey); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTPS listener failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := httpsInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPS shutdown failed", zap.Error(err))
	}
}
