package reporter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetsync/pkg/fleet"
)

var sessionLinePattern = regexp.MustCompile(`^([^:]+): (\d+) windows? \(created ([^)]+)\)(.*)$`)

// benignTmuxErrors are list-sessions failures that just mean nothing is
// running on a socket.
var benignTmuxErrors = []string{
	"no server running",
	"error connecting to",
	"no sessions",
}

// SessionLine is one parsed line of `tmux list-sessions` output.
type SessionLine struct {
	Name     string
	Windows  int
	Created  time.Time
	Attached bool
	// CreatedParsed is false when the creation date could not be read and
	// Created was set to the supplied fallback time.
	CreatedParsed bool
}

// ParseSessionLine parses `name: N windows (created <date>) [(attached)]`.
// An unparseable creation date falls back to now.
func ParseSessionLine(line string, now time.Time) (SessionLine, bool) {
	m := sessionLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return SessionLine{}, false
	}
	windows, err := strconv.Atoi(m[2])
	if err != nil {
		return SessionLine{}, false
	}

	parsed := SessionLine{
		Name:     m[1],
		Windows:  windows,
		Attached: strings.Contains(m[4], "(attached)"),
		Created:  now,
	}
	created, err := time.ParseInLocation(time.ANSIC, strings.Join(strings.Fields(m[3]), " "), time.Local)
	if err == nil {
		parsed.Created = created
		parsed.CreatedParsed = true
	}
	return parsed, true
}

// DiscovererConfig configures session discovery.
type DiscovererConfig struct {
	// Sockets are well-known socket names (relative to SocketDir) or paths.
	Sockets    []string
	SocketDir  string
	SidecarDir string
	Binary     string
}

// Discoverer enumerates terminal-multiplexer sessions across sockets.
type Discoverer struct {
	runner   CommandRunner
	cfg      DiscovererConfig
	sidecars SidecarReader
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDiscoverer returns a Discoverer. An empty SocketDir resolves to
// $TMUX_TMPDIR/tmux-<uid> (or /tmp/tmux-<uid>).
func NewDiscoverer(runner CommandRunner, cfg DiscovererConfig, logger zerolog.Logger) *Discoverer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Binary == "" {
		cfg.Binary = "tmux"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = defaultSocketDir()
	}
	return &Discoverer{
		runner:   runner,
		cfg:      cfg,
		sidecars: SidecarReader{Dir: cfg.SidecarDir},
		logger:   logger,
		now:      time.Now,
	}
}

func defaultSocketDir() string {
	base := os.Getenv("TMUX_TMPDIR")
	if base == "" {
		base = "/tmp"
	}
	return filepath.Join(base, fmt.Sprintf("tmux-%d", os.Getuid()))
}

// Endpoints lists the socket paths to query: configured sockets first, then
// anything else found in the socket directory, without duplicates.
func (d *Discoverer) Endpoints() []string {
	seen := make(map[string]struct{})
	var endpoints []string
	add := func(path string) {
		path = filepath.Clean(path)
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		endpoints = append(endpoints, path)
	}

	for _, name := range d.cfg.Sockets {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.cfg.SocketDir, name)
		}
		if _, err := os.Stat(path); err == nil {
			add(path)
		}
	}

	entries, err := os.ReadDir(d.cfg.SocketDir)
	if err != nil {
		d.logger.Debug().Err(err).Str("dir", d.cfg.SocketDir).Msg("scan socket dir")
		return endpoints
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		add(filepath.Join(d.cfg.SocketDir, entry.Name()))
	}
	return endpoints
}

// Discover returns every session reachable on any endpoint, deduplicated by
// name (first endpoint wins) and sorted by tab order then name. Endpoint
// failures are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context) []fleet.Session {
	now := d.now()
	seen := make(map[string]struct{})
	sessions := make([]fleet.Session, 0)

	for _, socket := range d.Endpoints() {
		out, err := d.runner.Run(ctx, d.cfg.Binary, "-S", socket, "list-sessions")
		if err != nil {
			if isBenignTmuxError(err) {
				d.logger.Debug().Str("socket", socket).Msg("no sessions on socket")
			} else {
				d.logger.Warn().Err(err).Str("socket", socket).Msg("list sessions failed")
			}
			continue
		}

		scanner := bufio.NewScanner(bytes.NewReader(out))
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			parsed, ok := ParseSessionLine(line, now)
			if !ok {
				d.logger.Warn().Str("socket", socket).Str("line", line).Msg("unrecognised session line")
				continue
			}
			if !parsed.CreatedParsed {
				d.logger.Warn().Str("session", parsed.Name).Msg("session creation time unreadable, using now")
			}
			if _, dup := seen[parsed.Name]; dup {
				continue
			}
			seen[parsed.Name] = struct{}{}
			sessions = append(sessions, d.buildSession(parsed, now))
		}
	}

	SortSessions(sessions)
	return sessions
}

func (d *Discoverer) buildSession(line SessionLine, now time.Time) fleet.Session {
	name := fleet.ParseSessionName(line.Name)
	uptime := int64(now.Sub(line.Created) / time.Second)
	if uptime < 0 {
		uptime = 0
	}
	return fleet.Session{
		Name:          line.Name,
		Division:      name.Division,
		Project:       name.Project,
		Team:          name.Team,
		Windows:       line.Windows,
		Attached:      line.Attached,
		Created:       line.Created,
		UptimeSeconds: uptime,
		DisplayPort:   d.sidecars.Port(line.Name),
		ThemeColor:    d.sidecars.Theme(line.Name),
		SortOrder:     d.sidecars.Order(line.Name),
	}
}

// SortSessions orders sessions with a tab order first (ascending), then the
// rest, ties broken by name.
func SortSessions(sessions []fleet.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		switch {
		case a.SortOrder != nil && b.SortOrder == nil:
			return true
		case a.SortOrder == nil && b.SortOrder != nil:
			return false
		case a.SortOrder != nil && *a.SortOrder != *b.SortOrder:
			return *a.SortOrder < *b.SortOrder
		}
		return a.Name < b.Name
	})
}

func isBenignTmuxError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range benignTmuxErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
