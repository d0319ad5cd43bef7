package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleetsync/pkg/bus"
)

// StateEvent is published when a machine moves between active and stale.
type StateEvent struct {
	MachineID      string    `json:"machine_id"`
	Hostname       string    `json:"hostname"`
	DashboardGroup string    `json:"dashboard_group,omitempty"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	LastSeen       time.Time `json:"last_seen"`
	At             time.Time `json:"at"`
}

// Watcher periodically compares every machine's state with the state it saw
// last time and publishes the transitions. The first observation of a
// machine only seeds its state.
type Watcher struct {
	reg       *Registry
	publisher Publisher

	mu    sync.Mutex
	known map[string]string
}

// NewWatcher returns a Watcher over reg. publisher may be nil, in which case
// transitions are only logged.
func NewWatcher(reg *Registry, publisher Publisher) (*Watcher, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	return &Watcher{reg: reg, publisher: publisher, known: make(map[string]string)}, nil
}

// Sweep evaluates all machines once and returns the transitions it found.
func (w *Watcher) Sweep(ctx context.Context) []StateEvent {
	now := w.reg.now().UTC()
	records := w.reg.snapshot()

	w.mu.Lock()
	var events []StateEvent
	for _, rec := range records {
		state := w.reg.state(rec, now)
		prev, seen := w.known[rec.MachineID]
		w.known[rec.MachineID] = state
		if !seen || prev == state {
			continue
		}
		events = append(events, StateEvent{
			MachineID:      rec.MachineID,
			Hostname:       rec.Report.Machine.Hostname,
			DashboardGroup: rec.Report.Machine.DashboardGroup,
			From:           prev,
			To:             state,
			LastSeen:       rec.LastSeenAt,
			At:             now,
		})
	}
	w.mu.Unlock()

	for _, evt := range events {
		w.reg.logger.Info().
			Str("machine_id", evt.MachineID).
			Str("hostname", evt.Hostname).
			Str("from", evt.From).
			Str("to", evt.To).
			Time("last_seen", evt.LastSeen).
			Msg("machine state changed")
		if w.publisher == nil {
			continue
		}
		if err := w.publisher.Publish(ctx, bus.MachineStateSubject, evt); err != nil {
			w.reg.logger.Warn().Err(err).Str("machine_id", evt.MachineID).Msg("publish state event")
		}
	}
	return events
}

// Run sweeps every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}
