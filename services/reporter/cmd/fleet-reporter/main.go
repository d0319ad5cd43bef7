package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetsync/pkg/config"
	"fleetsync/pkg/telemetry"
	"fleetsync/services/reporter"
)

const serviceName = "fleet-reporter"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (default $FLEET_CONFIG)")
	once := flag.Bool("once", false, "run a single report cycle and exit")
	printReport := flag.Bool("print", false, "print the report as JSON after a single cycle")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	if err := run(*configPath, *once || *printReport, *printReport, *metricsAddr); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(configPath string, once, printReport bool, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry, _, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := reporter.NewMetrics(registry)

	parts := reporter.FromConfig(cfg, logger, metrics)
	svc := parts.Service

	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if once {
		result, err := svc.RunOnce(ctx)
		if printReport && result.Report.Machine.MachineID != "" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result.Report); encErr != nil {
				return fmt.Errorf("print report: %w", encErr)
			}
		}
		if errors.Is(err, reporter.ErrCycleInProgress) {
			logger.Warn().Msg("previous report cycle still running, skipping")
			return nil
		}
		return err
	}

	logger.Info().
		Str("mode", cfg.FleetMode).
		Dur("interval", cfg.ReportInterval).
		Int("endpoints", len(parts.Engine.Endpoints())).
		Msg("reporter started")

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
