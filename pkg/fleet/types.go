package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode selects which endpoints a reporter delivers to.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeClient     Mode = "client"
	ModeServer     Mode = "server"
	ModeHybrid     Mode = "hybrid"
)

// ParseMode normalises a configured fleet mode. An empty value maps to the
// legacy single-endpoint behaviour (ModeServer).
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeServer:
		return ModeServer, nil
	case ModeStandalone:
		return ModeStandalone, nil
	case ModeClient:
		return ModeClient, nil
	case ModeHybrid:
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown fleet mode %q", raw)
	}
}

// MachineInfo identifies the reporting machine.
type MachineInfo struct {
	MachineID      string    `json:"machine_id"`
	Hostname       string    `json:"hostname"`
	IP             string    `json:"ip"`
	OS             string    `json:"os"`
	Timestamp      time.Time `json:"timestamp"`
	DashboardGroup string    `json:"dashboard_group,omitempty"`
	FleetMode      Mode      `json:"fleet_mode,omitempty"`
}

// Session is one named work session discovered on a machine.
type Session struct {
	Name          string    `json:"name"`
	Division      string    `json:"division"`
	Project       *string   `json:"project,omitempty"`
	Team          string    `json:"team"`
	Windows       int       `json:"windows"`
	Attached      bool      `json:"attached"`
	Created       time.Time `json:"created"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	DisplayPort   *int      `json:"lcars_port,omitempty"`
	ThemeColor    string    `json:"theme_color,omitempty"`
	SortOrder     *int      `json:"tab_order,omitempty"`
}

// StatusReport is a point-in-time snapshot of a machine.
type StatusReport struct {
	Machine      MachineInfo     `json:"machine"`
	Sessions     []Session       `json:"sessions"`
	BackupStatus json.RawMessage `json:"backup_status"`
}

// MarshalJSON keeps sessions as an array and backup_status as null when absent.
func (r StatusReport) MarshalJSON() ([]byte, error) {
	type alias StatusReport
	out := alias(r)
	if out.Sessions == nil {
		out.Sessions = []Session{}
	}
	if len(out.BackupStatus) == 0 {
		out.BackupStatus = json.RawMessage("null")
	}
	return json.Marshal(out)
}

// HasBackupStatus reports whether a non-null backup status is attached.
func (r StatusReport) HasBackupStatus() bool {
	trimmed := strings.TrimSpace(string(r.BackupStatus))
	return trimmed != "" && trimmed != "null"
}

// SessionName is the structured form of a hyphen-delimited session name.
type SessionName struct {
	Division string
	Project  *string
	Team     string
}

// ParseSessionName splits a session name into division, project and team.
//
//	ios-mobile            -> division=ios team=mobile
//	ios-app-mobile        -> division=ios project=app team=mobile
//	ios-app-beta-mobile   -> division=ios project=app-beta team=mobile
//
// Empty segments from leading, trailing or doubled separators are skipped.
// A name with a single segment is its own division and team.
func ParseSessionName(name string) SessionName {
	segments := strings.FieldsFunc(name, func(r rune) bool { return r == '-' })
	switch len(segments) {
	case 0:
		return SessionName{Division: name, Team: name}
	case 1:
		return SessionName{Division: segments[0], Team: segments[0]}
	case 2:
		return SessionName{Division: segments[0], Team: segments[1]}
	default:
		project := strings.Join(segments[1:len(segments)-1], "-")
		return SessionName{
			Division: segments[0],
			Project:  &project,
			Team:     segments[len(segments)-1],
		}
	}
}
