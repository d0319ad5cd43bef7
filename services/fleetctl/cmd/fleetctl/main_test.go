package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fleetsync/pkg/fleet"
	"fleetsync/services/kanban"
	"fleetsync/services/registry"
)

type testEnv struct {
	reg    *registry.Registry
	boards kanban.BoardStore
	config string
	state  string
}

func newTestEnv(t *testing.T, clientStrategy string) *testEnv {
	t.Helper()

	reg := registry.New(registry.Options{Logger: zerolog.Nop()})
	boards := kanban.NewMemoryStore()
	server, err := kanban.NewServer(kanban.ServerOptions{Store: boards, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	api, err := registry.NewAPI(reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}
	srv := httptest.NewServer(api.Routes(registry.RouterOptions{
		Mounts: []func(chi.Router){server.Mount},
	}))
	t.Cleanup(srv.Close)

	state := t.TempDir()
	cfg := fmt.Sprintf(`fleet_mode: server
server_url: %s
state_dir: %s
hostname: workstation
session_sockets: [%s]
socket_dir: %s
kanban_client_strategy: %s
retry_delay: 10ms
log_level: error
`, srv.URL, state, filepath.Join(state, "no-such-socket"), filepath.Join(state, "sockets"), clientStrategy)
	path := filepath.Join(state, "fleet.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &testEnv{reg: reg, boards: boards, config: path, state: state}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMachinesAndStatus(t *testing.T) {
	env := newTestEnv(t, "server_primary")
	ctx := context.Background()
	for _, r := range []fleet.StatusReport{
		{Machine: fleet.MachineInfo{MachineID: "m-1", Hostname: "studio", DashboardGroup: "lab"},
			Sessions: []fleet.Session{{Name: "ios-mobile", Division: "ios", Team: "mobile", Windows: 1}}},
		{Machine: fleet.MachineInfo{MachineID: "m-2", Hostname: "build", DashboardGroup: "lab"}},
	} {
		if _, err := env.reg.Ingest(ctx, r, registry.SourceReport); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	out, err := env.run(t, "machines")
	if err != nil {
		t.Fatalf("machines error = %v", err)
	}
	for _, want := range []string{"HOSTNAME", "studio", "build", "active"} {
		if !strings.Contains(out, want) {
			t.Fatalf("machines output missing %q:\n%s", want, out)
		}
	}

	out, err = env.run(t, "--json", "machine", "STUDIO")
	if err != nil {
		t.Fatalf("machine error = %v", err)
	}
	var detail registry.MachineDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode machine output: %v\n%s", err, out)
	}
	if detail.MachineID != "m-1" || len(detail.Report.Sessions) != 1 {
		t.Fatalf("machine detail = %+v", detail)
	}

	if _, err := env.run(t, "machine", "nowhere"); err == nil {
		t.Fatal("expected error for unknown machine")
	}

	out, err = env.run(t, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "2 machines (2 active, 0 stale), 1 sessions") {
		t.Fatalf("status output = %q", out)
	}
}

func TestRegisterFromFileAndBuiltReport(t *testing.T) {
	env := newTestEnv(t, "server_primary")

	file := filepath.Join(env.state, "report.json")
	body := `{"machine":{"machine_id":"m-file","hostname":"imported"},"sessions":[],"backup_status":null}`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run(t, "register", "--file", file); err != nil {
		t.Fatalf("register --file error = %v", err)
	}
	rec, err := env.reg.Get(context.Background(), "m-file")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Source != registry.SourceManual {
		t.Fatalf("source = %q, want manual", rec.Source)
	}

	if _, err := env.run(t, "register"); err != nil {
		t.Fatalf("register error = %v", err)
	}
	rec, err = env.reg.Get(context.Background(), "workstation")
	if err != nil {
		t.Fatalf("Get(workstation) error = %v", err)
	}
	if rec.Report.Sessions == nil || len(rec.Report.Sessions) != 0 {
		t.Fatalf("sessions = %#v, want empty", rec.Report.Sessions)
	}
}

func TestReportDeliversToServer(t *testing.T) {
	env := newTestEnv(t, "server_primary")

	out, err := env.run(t, "report")
	if err != nil {
		t.Fatalf("report error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "server") || !strings.Contains(out, "ok (200)") {
		t.Fatalf("report output = %q", out)
	}
	if _, err := env.reg.Get(context.Background(), "workstation"); err != nil {
		t.Fatalf("machine not ingested: %v", err)
	}

	out, err = env.run(t, "report", "--dry-run")
	if err != nil {
		t.Fatalf("report --dry-run error = %v", err)
	}
	var report fleet.StatusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode dry-run output: %v", err)
	}
	if report.Machine.Hostname != "workstation" {
		t.Fatalf("hostname = %q", report.Machine.Hostname)
	}
}

func TestKanbanEditsPushUnderServerPrimary(t *testing.T) {
	env := newTestEnv(t, "server_primary")
	ctx := context.Background()

	out, err := env.run(t, "kanban", "add", "ops", "rotate certificates", "--assignee", "sam")
	if err != nil {
		t.Fatalf("kanban add error = %v", err)
	}
	id := strings.TrimSpace(strings.TrimPrefix(out, "added "))

	board, err := env.boards.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("server board: %v", err)
	}
	item, idx := board.Find(id)
	if idx < 0 || item.Status != "todo" || item.UpdatedBy != "workstation" {
		t.Fatalf("server item = %+v (idx %d)", item, idx)
	}

	if _, err := env.run(t, "kanban", "move", "ops", id, "doing"); err != nil {
		t.Fatalf("kanban move error = %v", err)
	}
	board, _ = env.boards.Get(ctx, "ops")
	if item, _ := board.Find(id); item.Status != "doing" {
		t.Fatalf("status after move = %q", item.Status)
	}

	if _, err := env.run(t, "kanban", "move", "ops", "missing", "done"); err == nil {
		t.Fatal("expected error moving unknown item")
	}

	out, err = env.run(t, "kanban", "list", "--remote")
	if err != nil || strings.TrimSpace(out) != "ops" {
		t.Fatalf("kanban list --remote = %q, %v", out, err)
	}

	if _, err := env.run(t, "kanban", "delete", "ops", id); err != nil {
		t.Fatalf("kanban delete error = %v", err)
	}
	out, err = env.run(t, "kanban", "show", "ops")
	if err != nil {
		t.Fatalf("kanban show error = %v", err)
	}
	if strings.Contains(out, "rotate certificates") {
		t.Fatalf("deleted item still shown:\n%s", out)
	}
}

func TestKanbanManualStrategyKeepsEditsLocal(t *testing.T) {
	env := newTestEnv(t, "manual")
	ctx := context.Background()

	out, err := env.run(t, "kanban", "add", "ops", "draft")
	if err != nil {
		t.Fatalf("kanban add error = %v", err)
	}
	if !strings.Contains(out, "kanban push ops") {
		t.Fatalf("expected push hint, got %q", out)
	}
	if _, err := env.boards.Get(ctx, "ops"); err == nil {
		t.Fatal("manual edit reached the server")
	}

	if _, err := env.run(t, "kanban", "push", "ops"); err != nil {
		t.Fatalf("kanban push error = %v", err)
	}
	if _, err := env.boards.Get(ctx, "ops"); err != nil {
		t.Fatalf("board not pushed: %v", err)
	}

	if _, err := env.run(t, "kanban", "run"); err == nil {
		t.Fatal("expected run to refuse the manual strategy")
	}
}

func TestNextOrder(t *testing.T) {
	now := time.Now()
	b := kanban.NewBoard("ops")
	b.Upsert(kanban.Item{ID: "a", Status: "todo", Order: 0, UpdatedAt: now})
	b.Upsert(kanban.Item{ID: "b", Status: "todo", Order: 4, UpdatedAt: now})
	b.Upsert(kanban.Item{ID: "c", Status: "done", Order: 9, UpdatedAt: now})

	tests := []struct {
		status string
		want   int
	}{
		{status: "todo", want: 5},
		{status: "done", want: 10},
		{status: "doing", want: 0},
	}
	for _, tt := range tests {
		if got := nextOrder(b, tt.status); got != tt.want {
			t.Fatalf("nextOrder(%q) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{at: time.Time{}, want: "never"},
		{at: now.Add(-90 * time.Second), want: "1m30s ago"},
		{at: now.Add(time.Minute), want: "0s ago"},
	}
	for _, tt := range tests {
		if got := ago(now, tt.at); got != tt.want {
			t.Fatalf("ago(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}
