package reporter

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"fleetsync/pkg/config"
)

// Components are the reporter parts built from configuration.
type Components struct {
	Identity   *IdentityStore
	Discoverer *Discoverer
	Aggregator *Aggregator
	Engine     *Engine
	Service    *Service
}

// FromConfig wires a reporter from cfg. metrics may be nil.
func FromConfig(cfg config.Config, logger zerolog.Logger, metrics *Metrics) Components {
	identity := NewIdentityStore(
		cfg.MachineIDFile,
		cfg.HostnameOverride,
		TailscaleResolver{Binary: cfg.MeshClient},
		logger,
	)
	discoverer := NewDiscoverer(ExecRunner{}, DiscovererConfig{
		Sockets:    cfg.SessionSockets,
		SocketDir:  cfg.SocketDir,
		SidecarDir: cfg.SidecarDir,
	}, logger)

	aggregator := &Aggregator{
		Identity:       identity,
		Sessions:       discoverer,
		BackupPath:     cfg.BackupStatusFile,
		DashboardGroup: cfg.DashboardGroup,
		Mode:           cfg.Mode(),
		Logger:         logger,
	}

	engine := NewEngine(EngineConfig{
		Mode:           cfg.Mode(),
		LocalURL:       cfg.LocalURL,
		RemoteURL:      cfg.RemoteURL,
		ServerURL:      cfg.ServerURL,
		Token:          cfg.AuthToken,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Attempts:       cfg.DeliveryRetries,
		RetryDelay:     cfg.RetryDelay,
	}, logger, metrics)

	svc := NewService(aggregator, engine, Options{
		Interval: cfg.ReportInterval,
		Locker:   NewProcessLock(filepath.Join(cfg.StateDir, "reporter.lock")),
		Logger:   logger,
		Metrics:  metrics,
	})

	return Components{
		Identity:   identity,
		Discoverer: discoverer,
		Aggregator: aggregator,
		Engine:     engine,
		Service:    svc,
	}
}
