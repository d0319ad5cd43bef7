package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"fleetsync/pkg/bus"
	"fleetsync/pkg/fleet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []any
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, v)
	return nil
}

func newTestRegistry(t *testing.T, clock *fakeClock, opts Options) *Registry {
	t.Helper()
	opts.Now = clock.Now
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func report(id, host, group string, sessions ...string) fleet.StatusReport {
	r := fleet.StatusReport{Machine: fleet.MachineInfo{MachineID: id, Hostname: host, DashboardGroup: group}}
	for _, name := range sessions {
		parts := fleet.ParseSessionName(name)
		r.Sessions = append(r.Sessions, fleet.Session{Name: name, Division: parts.Division, Project: parts.Project, Team: parts.Team, Windows: 1})
	}
	return r
}

func TestIngestRejectsMissingMachineID(t *testing.T) {
	reg := newTestRegistry(t, &fakeClock{now: time.Unix(1000, 0)}, Options{})
	if _, err := reg.Ingest(context.Background(), report("  ", "box", ""), SourceReport); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("err = %v, want ErrInvalidReport", err)
	}
}

func TestStalenessBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Options{StaleAfter: 5 * time.Minute})
	if _, err := reg.Ingest(context.Background(), report("m-1", "box", ""), SourceReport); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	clock.Advance(5 * time.Minute)
	if got := reg.List(context.Background())[0].Status; got != StateActive {
		t.Fatalf("status at threshold = %q, want active", got)
	}

	clock.Advance(time.Nanosecond)
	if got := reg.List(context.Background())[0].Status; got != StateStale {
		t.Fatalf("status past threshold = %q, want stale", got)
	}

	if _, err := reg.Ingest(context.Background(), report("m-1", "box", ""), SourceReport); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if got := reg.List(context.Background())[0].Status; got != StateActive {
		t.Fatalf("status after new report = %q, want active", got)
	}
}

func TestIngestReplacesWholesale(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	reg := newTestRegistry(t, clock, Options{Store: store, Publisher: pub})
	ctx := context.Background()

	first := report("m-1", "box", "studio", "ios-mobile", "ios-app-web")
	first.BackupStatus = []byte(`{"ok":true}`)
	if _, err := reg.Ingest(ctx, first, SourceReport); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	firstSeen := clock.Now()

	clock.Advance(time.Minute)
	second := report("m-1", "box-renamed", "", "ops-infra")
	if _, err := reg.Ingest(ctx, second, SourceManual); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	detail, err := reg.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if detail.Hostname != "box-renamed" || detail.DashboardGroup != "" || detail.SessionCount != 1 {
		t.Fatalf("detail = %+v", detail.MachineView)
	}
	if detail.HasBackup {
		t.Fatalf("backup status should not survive replacement")
	}
	if !detail.FirstSeen.Equal(firstSeen) || !detail.LastSeen.Equal(clock.Now()) {
		t.Fatalf("first/last seen = %v/%v", detail.FirstSeen, detail.LastSeen)
	}
	if detail.Source != SourceManual {
		t.Fatalf("source = %q", detail.Source)
	}

	stored, _ := store.LoadAll(ctx)
	if len(stored) != 1 || stored[0].Report.Machine.Hostname != "box-renamed" {
		t.Fatalf("stored = %+v", stored)
	}

	if len(pub.subjects) != 2 || pub.subjects[0] != bus.StatusIngestedSubject {
		t.Fatalf("published = %v", pub.subjects)
	}
	if ev := pub.events[0].(IngestedEvent); !ev.New || ev.Sessions != 2 {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := pub.events[1].(IngestedEvent); ev.New {
		t.Fatalf("second event should not be new: %+v", ev)
	}
}

func TestGetByHostname(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(t, clock, Options{})
	ctx := context.Background()
	_, _ = reg.Ingest(ctx, report("m-1", "Studio-Mac", ""), SourceReport)

	detail, err := reg.Get(ctx, "studio-mac")
	if err != nil || detail.MachineID != "m-1" {
		t.Fatalf("Get(hostname) = %+v, %v", detail.MachineView, err)
	}
	if _, err := reg.Get(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFleetStatusGroupsActiveSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Options{StaleAfter: 5 * time.Minute})
	ctx := context.Background()

	_, _ = reg.Ingest(ctx, report("m-old", "old", "lab", "lab-bench"), SourceReport)
	clock.Advance(10 * time.Minute)
	_, _ = reg.Ingest(ctx, report("m-1", "alpha", "lab", "ios-mobile", "ios-app-web"), SourceReport)
	_, _ = reg.Ingest(ctx, report("m-2", "beta", "", "ops-infra"), SourceReport)

	status := reg.FleetStatus(ctx)
	want := FleetTotals{Machines: 3, Active: 2, Stale: 1, Sessions: 3}
	if status.Totals != want {
		t.Fatalf("totals = %+v, want %+v", status.Totals, want)
	}
	if len(status.Groups) != 2 || status.Groups[0].Name != DefaultGroup || status.Groups[1].Name != "lab" {
		t.Fatalf("groups = %+v", status.Groups)
	}
	lab := status.Groups[1]
	if len(lab.Machines) != 2 || lab.Active != 1 || lab.Stale != 1 {
		t.Fatalf("lab group = %+v", lab)
	}
	if len(lab.Sessions) != 2 {
		t.Fatalf("lab sessions = %+v, stale machine sessions must be excluded", lab.Sessions)
	}
	for _, s := range lab.Sessions {
		if s.MachineID != "m-1" || s.Hostname != "alpha" {
			t.Fatalf("session %+v attributed to wrong machine", s)
		}
	}
}

func TestConcurrentIngest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(t, clock, Options{Store: NewMemoryStore()})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("m-%d", j%5)
				r := report(id, id, "", fmt.Sprintf("div-team%d", i))
				if _, err := reg.Ingest(ctx, r, SourceReport); err != nil {
					t.Errorf("Ingest() error = %v", err)
					return
				}
				_ = reg.List(ctx)
				_ = reg.FleetStatus(ctx)
			}
		}()
	}
	wg.Wait()

	machines := reg.List(ctx)
	if len(machines) != 5 {
		t.Fatalf("machines = %d, want 5", len(machines))
	}
	for _, m := range machines {
		if m.SessionCount != 1 {
			t.Fatalf("machine %s has %d sessions; reports must never interleave", m.MachineID, m.SessionCount)
		}
	}
}

func TestLoadRestoresRecords(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestRegistry(t, clock, Options{Store: store})
	_, _ = first.Ingest(ctx, report("m-1", "box", ""), SourceReport)
	_, _ = first.Ingest(ctx, report("m-2", "cube", ""), SourceManual)

	second := newTestRegistry(t, clock, Options{Store: store})
	n, err := second.Load(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Load() = %d, %v", n, err)
	}
	if got := second.List(ctx); len(got) != 2 || got[0].Hostname != "box" || got[1].Source != SourceManual {
		t.Fatalf("List() = %+v", got)
	}
}

func TestRegistryMetrics(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(t, clock, Options{StaleAfter: time.Minute})
	promReg := prometheus.NewRegistry()
	if err := reg.RegisterMetrics(promReg); err != nil {
		t.Fatalf("RegisterMetrics() error = %v", err)
	}
	ctx := context.Background()
	_, _ = reg.Ingest(ctx, report("m-1", "a", ""), SourceReport)
	clock.Advance(2 * time.Minute)
	_, _ = reg.Ingest(ctx, report("m-2", "b", ""), SourceManual)

	if got := testutil.ToFloat64(reg.metrics.reportsIngested.WithLabelValues(SourceManual)); got != 1 {
		t.Fatalf("manual ingested = %v", got)
	}
	if n, err := testutil.GatherAndCount(promReg, "fleetsync_machines"); err != nil || n != 2 {
		t.Fatalf("fleetsync_machines series = %d, %v", n, err)
	}
	active, stale := reg.Counts()
	if active != 1 || stale != 1 {
		t.Fatalf("counts = %d/%d", active, stale)
	}
}
