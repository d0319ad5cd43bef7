package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fleetsync/pkg/fleet"
)

// ErrCycleInProgress is returned when a reporting cycle is already running.
var ErrCycleInProgress = errors.New("report cycle already in progress")

// ReportBuilder produces a status report.
type ReportBuilder interface {
	Build(ctx context.Context) (fleet.StatusReport, error)
}

// Sender delivers a status report.
type Sender interface {
	Send(ctx context.Context, report fleet.StatusReport) DeliveryResult
}

// Locker guards against overlapping cycles across processes.
type Locker interface {
	TryLock() (func(), error)
}

// Service runs reporting cycles on an interval.
type Service struct {
	builder  ReportBuilder
	sender   Sender
	locker   Locker
	interval time.Duration
	logger   zerolog.Logger
	metrics  *Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// Options configure a Service.
type Options struct {
	Interval time.Duration
	Locker   Locker
	Logger   zerolog.Logger
	Metrics  *Metrics
}

// NewService wires a builder and sender into a reporting Service.
func NewService(builder ReportBuilder, sender Sender, opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		builder:  builder,
		sender:   sender,
		locker:   opts.Locker,
		interval: interval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// RunOnce builds and delivers one report. It returns ErrCycleInProgress
// without doing any work if another cycle has not finished.
func (s *Service) RunOnce(ctx context.Context) (DeliveryResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.cycle("skipped")
		return DeliveryResult{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		unlock, err := s.locker.TryLock()
		if err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				s.metrics.cycle("skipped")
			}
			return DeliveryResult{}, err
		}
		defer unlock()
	}

	report, err := s.builder.Build(ctx)
	if err != nil {
		s.metrics.cycle("failure")
		return DeliveryResult{}, fmt.Errorf("build report: %w", err)
	}

	result := s.sender.Send(ctx, report)
	if err := result.Err(); err != nil {
		s.metrics.cycle("failure")
		return result, err
	}
	s.metrics.cycle("success")
	return result, nil
}

// Run executes a cycle immediately and then on every tick until ctx is
// cancelled. Cycle failures are logged, never returned.
func (s *Service) Run(ctx context.Context) error {
	s.cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.cycle(ctx)
			}()
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	result, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Warn().Msg("previous report cycle still running, skipping")
	case err != nil:
		s.logger.Error().Err(err).Msg("report cycle failed")
	default:
		s.logger.Debug().
			Int("sessions", len(result.Report.Sessions)).
			Msg("report cycle complete")
	}
}
