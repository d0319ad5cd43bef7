package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"fleetsync/pkg/bus"
	"fleetsync/pkg/config"
	"fleetsync/pkg/db"
	"fleetsync/pkg/telemetry"
	"fleetsync/services/kanban"
	"fleetsync/services/registry"
)

const serviceName = "fleet-registry"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (default $FLEET_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
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

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		store registry.Store = registry.NewMemoryStore()
		orm   *gorm.DB
	)
	if cfg.DatabaseDSN != "" {
		if err := db.Migrate(ctx, cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		orm, err = db.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close(orm)
		gormStore, err := registry.NewGormStore(orm)
		if err != nil {
			return err
		}
		store = gormStore
	}

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL, serviceName)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()
	}

	reg := registry.New(registry.Options{
		Store:      store,
		Publisher:  publisherOrNil(events),
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
	if err := reg.RegisterMetrics(promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	loaded, err := reg.Load(ctx)
	if err != nil {
		return err
	}

	watcher, err := registry.NewWatcher(reg, publisherOrNil(events))
	if err != nil {
		return err
	}
	go func() {
		_ = watcher.Run(ctx, max(cfg.StaleAfter/5, time.Second))
	}()

	boards, err := kanban.OpenBadgerStore(cfg.BoardStorePath)
	if err != nil {
		return fmt.Errorf("open board store: %w", err)
	}
	defer boards.Close()

	strategy, err := kanban.ParseStrategy(cfg.KanbanServerStrategy)
	if err != nil {
		return err
	}
	board, err := kanban.NewServer(kanban.ServerOptions{
		Store:     boards,
		Strategy:  strategy,
		Publisher: publisherOrNil(events),
		Metrics:   kanban.NewMetrics(promReg),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	api, err := registry.NewAPI(reg, logger)
	if err != nil {
		return err
	}
	handler := api.Routes(registry.RouterOptions{
		Token:                 cfg.RegistryToken,
		LoopbackRequiresToken: cfg.LoopbackRequiresToken,
		AllowedOrigins:        cfg.AllowedOrigins,
		IngestPerMinute:       cfg.IngestPerMin,
		Gatherer:              promReg,
		Ready: func(ctx context.Context) error {
			if orm == nil {
				return nil
			}
			sqlDB, err := orm.DB()
			if err != nil {
				return err
			}
			ctx, cancel := db.WithTimeout(ctx)
			defer cancel()
			return sqlDB.PingContext(ctx)
		},
		Mounts: []func(chi.Router){board.Mount},
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().
		Str("addr", server.Addr).
		Int("restored", loaded).
		Str("kanban_strategy", string(strategy)).
		Bool("persistent", orm != nil).
		Bool("events", events != nil).
		Msg("registry listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// publisherOrNil avoids handing a typed nil *bus.Bus to an interface field.
func publisherOrNil(b *bus.Bus) registry.Publisher {
	if b == nil {
		return nil
	}
	return b
}
