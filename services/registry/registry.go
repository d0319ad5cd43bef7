package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetsync/pkg/bus"
	"fleetsync/pkg/fleet"
)

const (
	// SourceReport marks records ingested from an automatic reporter.
	SourceReport = "report"
	// SourceManual marks records submitted through manual registration.
	SourceManual = "manual"

	StateActive = "active"
	StateStale  = "stale"

	// DefaultGroup collects machines without a dashboard group.
	DefaultGroup = "default"

	// DefaultStaleAfter is five reporting intervals at the default cadence.
	DefaultStaleAfter = 5 * time.Minute
)

var (
	// ErrInvalidReport is returned when a report lacks a machine id.
	ErrInvalidReport = errors.New("invalid status report")
	// ErrNotFound is returned when no record matches a lookup key.
	ErrNotFound = errors.New("machine not found")
)

// Publisher emits registry events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Record is the registry's view of one machine: its latest report and when it
// was seen. Records are immutable once stored; ingestion swaps in a new one.
type Record struct {
	MachineID   string
	Report      fleet.StatusReport
	Source      string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// IngestedEvent is published after each accepted report.
type IngestedEvent struct {
	MachineID      string    `json:"machine_id"`
	Hostname       string    `json:"hostname"`
	DashboardGroup string    `json:"dashboard_group,omitempty"`
	Source         string    `json:"source"`
	Sessions       int       `json:"sessions"`
	New            bool      `json:"new"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Options configure a Registry.
type Options struct {
	Store      Store
	Publisher  Publisher
	StaleAfter time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Registry tracks the latest status report per machine.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	store      Store
	publisher  Publisher
	staleAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time
	metrics    *Metrics
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		records:    make(map[string]*Record),
		store:      opts.Store,
		publisher:  opts.Publisher,
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Load restores persisted records. It is meant to run once at startup.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i]
		r.records[rec.MachineID] = &rec
	}
	return len(records), nil
}

// Ingest stores report as the authoritative snapshot for its machine,
// replacing any previous report wholesale.
func (r *Registry) Ingest(ctx context.Context, report fleet.StatusReport, source string) (Record, error) {
	id := strings.TrimSpace(report.Machine.MachineID)
	if id == "" {
		return Record{}, fmt.Errorf("%w: machine_id is required", ErrInvalidReport)
	}
	report.Machine.MachineID = id
	if report.Sessions == nil {
		report.Sessions = []fleet.Session{}
	}
	if source == "" {
		source = SourceReport
	}

	now := r.now().UTC()
	rec := &Record{
		MachineID:   id,
		Report:      report,
		Source:      source,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}

	r.mu.Lock()
	prev, existed := r.records[id]
	if existed {
		rec.FirstSeenAt = prev.FirstSeenAt
	}
	r.records[id] = rec
	r.mu.Unlock()

	r.metrics.ingested(source)

	if r.store != nil {
		if err := r.store.Save(ctx, *rec); err != nil {
			r.logger.Error().Err(err).Str("machine_id", id).Msg("persist fleet record")
		}
	}

	if r.publisher != nil {
		event := IngestedEvent{
			MachineID:      id,
			Hostname:       report.Machine.Hostname,
			DashboardGroup: report.Machine.DashboardGroup,
			Source:         source,
			Sessions:       len(report.Sessions),
			New:            !existed,
			ReceivedAt:     now,
		}
		if err := r.publisher.Publish(ctx, bus.StatusIngestedSubject, event); err != nil {
			r.logger.Warn().Err(err).Str("machine_id", id).Msg("publish ingest event")
		}
	}

	r.logger.Debug().
		Str("machine_id", id).
		Str("hostname", report.Machine.Hostname).
		Str("source", source).
		Int("sessions", len(report.Sessions)).
		Bool("new", !existed).
		Msg("status report ingested")

	return *rec, nil
}

// IsStale reports whether a record last seen at lastSeen is stale at now.
// The boundary itself is still active.
func (r *Registry) IsStale(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) > r.staleAfter
}

func (r *Registry) state(rec *Record, now time.Time) string {
	if r.IsStale(rec.LastSeenAt, now) {
		return StateStale
	}
	return StateActive
}

func (r *Registry) snapshot() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// List returns every machine sorted by hostname, then machine id.
func (r *Registry) List(ctx context.Context) []MachineView {
	now := r.now()
	records := r.snapshot()
	views := make([]MachineView, 0, len(records))
	for _, rec := range records {
		views = append(views, r.view(rec, now))
	}
	sortViews(views)
	return views
}

// Get finds a machine by id or case-insensitive hostname.
func (r *Registry) Get(ctx context.Context, key string) (MachineDetail, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return MachineDetail{}, ErrNotFound
	}

	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()

	if !ok {
		matches := make([]*Record, 0, 1)
		for _, candidate := range r.snapshot() {
			if strings.EqualFold(candidate.Report.Machine.Hostname, key) {
				matches = append(matches, candidate)
			}
		}
		if len(matches) == 0 {
			return MachineDetail{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		// Hostnames are not unique; prefer the most recently seen machine.
		sort.Slice(matches, func(i, j int) bool { return matches[i].LastSeenAt.After(matches[j].LastSeenAt) })
		rec = matches[0]
	}

	return MachineDetail{MachineView: r.view(rec, r.now()), Report: rec.Report}, nil
}

// FleetStatus aggregates the fleet by dashboard group. Sessions are included
// only for active machines.
func (r *Registry) FleetStatus(ctx context.Context) FleetStatus {
	now := r.now()
	status := FleetStatus{GeneratedAt: now.UTC(), Groups: []GroupStatus{}}
	groups := make(map[string]*GroupStatus)

	records := r.snapshot()
	sort.Slice(records, func(i, j int) bool { return lessRecord(records[i], records[j]) })

	for _, rec := range records {
		view := r.view(rec, now)
		name := view.DashboardGroup
		if name == "" {
			name = DefaultGroup
		}
		group, ok := groups[name]
		if !ok {
			group = &GroupStatus{Name: name, Machines: []MachineView{}, Sessions: []FleetSession{}}
			groups[name] = group
		}
		group.Machines = append(group.Machines, view)

		status.Totals.Machines++
		if view.Status == StateStale {
			status.Totals.Stale++
			group.Stale++
			continue
		}
		status.Totals.Active++
		group.Active++
		for _, s := range rec.Report.Sessions {
			group.Sessions = append(group.Sessions, FleetSession{
				Session:   s,
				MachineID: rec.MachineID,
				Hostname:  rec.Report.Machine.Hostname,
			})
		}
		status.Totals.Sessions += len(rec.Report.Sessions)
	}

	for _, group := range groups {
		status.Groups = append(status.Groups, *group)
	}
	sort.Slice(status.Groups, func(i, j int) bool { return status.Groups[i].Name < status.Groups[j].Name })
	return status
}

// Counts returns the number of active and stale machines right now.
func (r *Registry) Counts() (active, stale int) {
	now := r.now()
	for _, rec := range r.snapshot() {
		if r.IsStale(rec.LastSeenAt, now) {
			stale++
		} else {
			active++
		}
	}
	return active, stale
}

func (r *Registry) view(rec *Record, now time.Time) MachineView {
	m := rec.Report.Machine
	return MachineView{
		MachineID:      rec.MachineID,
		Hostname:       m.Hostname,
		IP:             m.IP,
		OS:             m.OS,
		DashboardGroup: m.DashboardGroup,
		FleetMode:      m.FleetMode,
		Status:         r.state(rec, now),
		Source:         rec.Source,
		FirstSeen:      rec.FirstSeenAt,
		LastSeen:       rec.LastSeenAt,
		ReportedAt:     m.Timestamp,
		SessionCount:   len(rec.Report.Sessions),
		HasBackup:      rec.Report.HasBackupStatus(),
	}
}

func lessRecord(a, b *Record) bool {
	ha, hb := strings.ToLower(a.Report.Machine.Hostname), strings.ToLower(b.Report.Machine.Hostname)
	if ha != hb {
		return ha < hb
	}
	return a.MachineID < b.MachineID
}

func sortViews(views []MachineView) {
	sort.Slice(views, func(i, j int) bool {
		hi, hj := strings.ToLower(views[i].Hostname), strings.ToLower(views[j].Hostname)
		if hi != hj {
			return hi < hj
		}
		return views[i].MachineID < views[j].MachineID
	})
}
