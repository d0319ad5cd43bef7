package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestRouter(t *testing.T, opts RouterOptions) (*Registry, http.Handler) {
	t.Helper()
	reg := newTestRegistry(t, &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}, Options{})
	promReg := prometheus.NewRegistry()
	if err := reg.RegisterMetrics(promReg); err != nil {
		t.Fatalf("RegisterMetrics() error = %v", err)
	}
	api, err := NewAPI(reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}
	opts.Gatherer = promReg
	return reg, api.Routes(opts)
}

func doRequest(h http.Handler, method, path, remote, auth string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const sampleReport = `{
  "machine": {"machine_id": "m-1", "hostname": "studio", "ip": "100.64.0.2", "os": "darwin",
              "timestamp": "2026-10-19T12:00:00Z", "dashboard_group": "lab", "fleet_mode": "client"},
  "sessions": [{"name": "ios-app-mobile", "division": "ios", "project": "app", "team": "mobile",
                "windows": 2, "attached": true, "created": "2026-10-19T09:00:00Z", "uptime_seconds": 10800,
                "lcars_port": 8101, "tab_order": 1}],
  "backup_status": {"last_run": "2026-10-19T08:00:00Z"}
}`

func TestIngestAndQueryEndpoints(t *testing.T) {
	_, h := newTestRouter(t, RouterOptions{})

	rec := doRequest(h, http.MethodPost, "/api/status", "", "", []byte(sampleReport))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/api/machines", "", "", nil)
	var list struct {
		Machines []MachineView `json:"machines"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Machines[0].Status != StateActive || list.Machines[0].SessionCount != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = doRequest(h, http.MethodGet, "/api/machines/STUDIO", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET machine = %d", rec.Code)
	}
	var detail MachineDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if !detail.HasBackup || len(detail.Report.Sessions) != 1 || *detail.Report.Sessions[0].DisplayPort != 8101 {
		t.Fatalf("detail = %+v", detail)
	}

	rec = doRequest(h, http.MethodGet, "/api/machines/unknown", "", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown machine = %d", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/api/fleet/status", "", "", nil)
	var status FleetStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode fleet status: %v", err)
	}
	if status.Totals.Sessions != 1 || len(status.Groups) != 1 || status.Groups[0].Name != "lab" {
		t.Fatalf("fleet status = %+v", status)
	}
	if s := status.Groups[0].Sessions[0]; s.Hostname != "studio" || s.Name != "ios-app-mobile" {
		t.Fatalf("fleet session = %+v", s)
	}
}

func TestManualRegistration(t *testing.T) {
	reg, h := newTestRouter(t, RouterOptions{})
	rec := doRequest(h, http.MethodPost, "/api/register", "", "", []byte(sampleReport))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/register = %d", rec.Code)
	}
	detail, err := reg.Get(context.Background(), "m-1")
	if err != nil || detail.Source != SourceManual {
		t.Fatalf("detail = %+v, %v", detail.MachineView, err)
	}
}

func TestIngestValidation(t *testing.T) {
	_, h := newTestRouter(t, RouterOptions{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{"machine":`, want: http.StatusBadRequest},
		{name: "missing id", body: `{"machine":{"hostname":"x"},"sessions":[]}`, want: http.StatusBadRequest},
		{name: "too large", body: `{"machine":{"machine_id":"m","hostname":"` + strings.Repeat("x", maxBodyBytes) + `"}}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/api/status", "", "", []byte(tt.body))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestIngestTokenAuth(t *testing.T) {
	_, h := newTestRouter(t, RouterOptions{Token: "s3cret"})
	_, proxied := newTestRouter(t, RouterOptions{Token: "s3cret", LoopbackRequiresToken: true})

	tests := []struct {
		name    string
		handler http.Handler
		remote  string
		auth    string
		want    int
	}{
		{name: "remote without token", handler: h, remote: "192.0.2.10:4000", want: http.StatusUnauthorized},
		{name: "remote wrong token", handler: h, remote: "192.0.2.10:4000", auth: "Bearer nope", want: http.StatusUnauthorized},
		{name: "remote with token", handler: h, remote: "192.0.2.10:4000", auth: "Bearer s3cret", want: http.StatusOK},
		{name: "loopback trusted", handler: h, remote: "127.0.0.1:4000", want: http.StatusOK},
		{name: "ipv6 loopback trusted", handler: h, remote: "[::1]:4000", want: http.StatusOK},
		{name: "proxied loopback without token", handler: proxied, remote: "127.0.0.1:4000", want: http.StatusUnauthorized},
		{name: "proxied loopback with token", handler: proxied, remote: "127.0.0.1:4000", auth: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(tt.handler, http.MethodPost, "/api/status", tt.remote, tt.auth, []byte(sampleReport))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if rec := doRequest(h, http.MethodGet, "/api/machines", "192.0.2.10:4000", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("queries stay open, got %d", rec.Code)
	}
}

func TestMountedRoutesAndHealthChecks(t *testing.T) {
	_, h := newTestRouter(t, RouterOptions{
		Token: "s3cret",
		Ready: func(context.Context) error { return errors.New("database down") },
		Mounts: []func(chi.Router){func(r chi.Router) {
			r.Get("/kanban", func(w http.ResponseWriter, _ *http.Request) { RespondJSON(w, http.StatusOK, []string{}) })
		}},
	})

	if rec := doRequest(h, http.MethodGet, "/api/kanban", "192.0.2.10:4000", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("mounted route without token = %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/api/kanban", "192.0.2.10:4000", "Bearer s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("mounted route with token = %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/healthz", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/readyz", "", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}

	_ = doRequest(h, http.MethodPost, "/api/status", "127.0.0.1:1", "", []byte(sampleReport))
	rec := doRequest(h, http.MethodGet, "/metrics", "", "", nil)
	if !strings.Contains(rec.Body.String(), `fleetsync_reports_ingested_total{source="report"} 1`) {
		t.Fatalf("metrics output missing ingest counter:\n%s", rec.Body.String())
	}
}
