package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"fleetsync/pkg/fleet"
)

// SessionSource lists the sessions running on this machine.
type SessionSource interface {
	Discover(ctx context.Context) []fleet.Session
}

// Aggregator assembles a StatusReport from identity, sessions and the backup
// status file.
type Aggregator struct {
	Identity       *IdentityStore
	Sessions       SessionSource
	BackupPath     string
	DashboardGroup string
	Mode           fleet.Mode
	Logger         zerolog.Logger

	now func() time.Time
}

// Build produces a fresh report. Only a failure to obtain the machine id is
// returned as an error; every other source degrades to an empty value.
func (a *Aggregator) Build(ctx context.Context) (fleet.StatusReport, error) {
	id, err := a.Identity.MachineID()
	if err != nil {
		return fleet.StatusReport{}, fmt.Errorf("machine id: %w", err)
	}

	now := time.Now
	if a.now != nil {
		now = a.now
	}

	report := fleet.StatusReport{
		Machine: fleet.MachineInfo{
			MachineID:      id,
			Hostname:       a.Identity.ResolveHostname(ctx),
			IP:             a.Identity.ResolveIP(ctx),
			OS:             runtime.GOOS,
			Timestamp:      now().UTC(),
			DashboardGroup: a.DashboardGroup,
			FleetMode:      a.Mode,
		},
		Sessions:     []fleet.Session{},
		BackupStatus: a.readBackupStatus(),
	}
	if a.Sessions != nil {
		report.Sessions = a.Sessions.Discover(ctx)
	}
	return report, nil
}

func (a *Aggregator) readBackupStatus() json.RawMessage {
	if a.BackupPath == "" {
		return nil
	}
	data, err := os.ReadFile(a.BackupPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.Logger.Warn().Err(err).Str("path", a.BackupPath).Msg("read backup status")
		}
		return nil
	}

	data = bytes.TrimSpace(data)
	if !json.Valid(data) || len(data) == 0 || data[0] != '{' {
		a.Logger.Warn().Str("path", a.BackupPath).Msg("backup status is not a JSON object, ignoring")
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil
	}
	return json.RawMessage(compact.Bytes())
}
