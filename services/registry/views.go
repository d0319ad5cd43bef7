package registry

import (
	"time"

	"fleetsync/pkg/fleet"
)

// MachineView is the list representation of a fleet record.
type MachineView struct {
	MachineID      string     `json:"machine_id"`
	Hostname       string     `json:"hostname"`
	IP             string     `json:"ip"`
	OS             string     `json:"os"`
	DashboardGroup string     `json:"dashboard_group,omitempty"`
	FleetMode      fleet.Mode `json:"fleet_mode,omitempty"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	ReportedAt     time.Time  `json:"reported_at"`
	SessionCount   int        `json:"session_count"`
	HasBackup      bool       `json:"has_backup_status"`
}

// MachineDetail adds the full latest report to a MachineView.
type MachineDetail struct {
	MachineView
	Report fleet.StatusReport `json:"report"`
}

// FleetSession is a session annotated with the machine it runs on.
type FleetSession struct {
	fleet.Session
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
}

// FleetTotals summarises the whole fleet.
type FleetTotals struct {
	Machines int `json:"machines"`
	Active   int `json:"active"`
	Stale    int `json:"stale"`
	Sessions int `json:"sessions"`
}

// GroupStatus is one dashboard group in the aggregate view.
type GroupStatus struct {
	Name     string         `json:"name"`
	Active   int            `json:"active"`
	Stale    int            `json:"stale"`
	Machines []MachineView  `json:"machines"`
	Sessions []FleetSession `json:"sessions"`
}

// FleetStatus is the aggregate fleet view.
type FleetStatus struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Totals      FleetTotals   `json:"totals"`
	Groups      []GroupStatus `json:"groups"`
}
