package reporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func TestParseSessionLine(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)
	tests := []struct {
		name         string
		line         string
		wantOK       bool
		wantName     string
		wantWindows  int
		wantAttached bool
		wantCreated  time.Time
		wantParsed   bool
	}{
		{
			name:         "attached",
			line:         "ios-app-mobile: 3 windows (created Mon Oct 19 09:00:00 2026) (attached)",
			wantOK:       true,
			wantName:     "ios-app-mobile",
			wantWindows:  3,
			wantAttached: true,
			wantCreated:  time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local),
			wantParsed:   true,
		},
		{
			name:        "single window padded day",
			line:        "scratch: 1 window (created Tue Feb  3 07:05:09 2026)",
			wantOK:      true,
			wantName:    "scratch",
			wantWindows: 1,
			wantCreated: time.Date(2026, 2, 3, 7, 5, 9, 0, time.Local),
			wantParsed:  true,
		},
		{
			name:        "unreadable date falls back to now",
			line:        "ops-infra: 2 windows (created yesterday-ish)",
			wantOK:      true,
			wantName:    "ops-infra",
			wantWindows: 2,
			wantCreated: now,
		},
		{name: "garbage", line: "no server running on /tmp/tmux-0/default", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSessionLine(tt.line, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Name != tt.wantName || got.Windows != tt.wantWindows || got.Attached != tt.wantAttached {
				t.Fatalf("got %+v", got)
			}
			if !got.Created.Equal(tt.wantCreated) {
				t.Fatalf("created = %v, want %v", got.Created, tt.wantCreated)
			}
			if got.CreatedParsed != tt.wantParsed {
				t.Fatalf("CreatedParsed = %v, want %v", got.CreatedParsed, tt.wantParsed)
			}
		})
	}
}

func TestDiscovererMergesSocketsAndSidecars(t *testing.T) {
	socketDir := t.TempDir()
	sidecarDir := t.TempDir()
	for _, name := range []string{"ios", "extra"} {
		if err := os.WriteFile(filepath.Join(socketDir, name), nil, 0o600); err != nil {
			t.Fatalf("create socket: %v", err)
		}
	}
	writeSidecar(t, sidecarDir, "ios-mobile.port", "8101\n")
	writeSidecar(t, sidecarDir, "ios-mobile.theme", "amber")
	writeSidecar(t, sidecarDir, "ios-mobile.order", "2")
	writeSidecar(t, sidecarDir, "zeta.order", "1")
	writeSidecar(t, sidecarDir, "alpha.port", "not-a-number")

	iosSock := filepath.Join(socketDir, "ios")
	extraSock := filepath.Join(socketDir, "extra")
	runner := &fakeRunner{
		outputs: map[string]string{
			"tmux -S " + iosSock + " list-sessions": "ios-mobile: 2 windows (created Mon Oct 19 09:00:00 2026) (attached)\n" +
				"alpha: 1 window (created Mon Oct 19 10:00:00 2026)\n",
			"tmux -S " + extraSock + " list-sessions": "alpha: 5 windows (created Mon Oct 19 11:00:00 2026)\n" +
				"zeta: 1 window (created Mon Oct 19 11:30:00 2026)\n",
		},
	}

	d := NewDiscoverer(runner, DiscovererConfig{
		Sockets:    []string{"ios", "missing"},
		SocketDir:  socketDir,
		SidecarDir: sidecarDir,
	}, zerolog.Nop())
	d.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local) }

	if got, want := d.Endpoints(), []string{iosSock, extraSock}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}

	sessions := d.Discover(context.Background())
	var names []string
	for _, s := range sessions {
		names = append(names, s.Name)
	}
	if want := []string{"zeta", "ios-mobile", "alpha"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("order = %v, want %v", names, want)
	}

	ios := sessions[1]
	if ios.DisplayPort == nil || *ios.DisplayPort != 8101 || ios.ThemeColor != "amber" {
		t.Fatalf("ios sidecars = port %v theme %q", ios.DisplayPort, ios.ThemeColor)
	}
	if ios.Division != "ios" || ios.Team != "mobile" || ios.Project != nil {
		t.Fatalf("ios name parts = %q/%v/%q", ios.Division, ios.Project, ios.Team)
	}
	if ios.UptimeSeconds != 3*3600 || !ios.Attached {
		t.Fatalf("ios uptime/attached = %d/%v", ios.UptimeSeconds, ios.Attached)
	}

	alpha := sessions[2]
	if alpha.Windows != 1 {
		t.Fatalf("alpha windows = %d, first endpoint should win", alpha.Windows)
	}
	if alpha.DisplayPort != nil {
		t.Fatalf("alpha port = %v, want nil for malformed sidecar", *alpha.DisplayPort)
	}
}

func TestDiscoverSkipsFailingEndpoints(t *testing.T) {
	socketDir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(socketDir, name), nil, 0o600); err != nil {
			t.Fatalf("create socket: %v", err)
		}
	}
	runner := &fakeRunner{
		errs: map[string]error{
			"tmux -S " + filepath.Join(socketDir, "a") + " list-sessions": errors.New("no server running on a"),
		},
		outputs: map[string]string{
			"tmux -S " + filepath.Join(socketDir, "b") + " list-sessions": "web-api: 1 window (created Mon Oct 19 09:00:00 2026)\n",
		},
	}
	d := NewDiscoverer(runner, DiscovererConfig{SocketDir: socketDir}, zerolog.Nop())

	sessions := d.Discover(context.Background())
	if len(sessions) != 1 || sessions[0].Name != "web-api" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("calls = %v", runner.calls)
	}
}

func TestDiscoverNoSocketsReturnsEmptySlice(t *testing.T) {
	d := NewDiscoverer(&fakeRunner{}, DiscovererConfig{SocketDir: filepath.Join(t.TempDir(), "absent")}, zerolog.Nop())
	sessions := d.Discover(context.Background())
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("sessions = %#v, want empty non-nil slice", sessions)
	}
}

func writeSidecar(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write sidecar %s: %v", name, err)
	}
}
