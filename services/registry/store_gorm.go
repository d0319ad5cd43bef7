package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetsync/pkg/db"
	"fleetsync/pkg/db/migrations"
	"fleetsync/pkg/fleet"
)

type fleetRecordModel = migrations.FleetRecord

// GormStore persists records to the fleet_records table.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore wraps an open gorm session.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("gorm store requires a database")
	}
	return &GormStore{orm: orm}, nil
}

// Save upserts rec keyed by machine id. first_seen_at is never overwritten
// and a row is only replaced by a report seen at the same time or later, so
// saves that finish out of order keep the newest report.
func (s *GormStore) Save(ctx context.Context, rec Record) error {
	model, err := toModel(rec)
	if err != nil {
		return err
	}

	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	return s.upsert(s.orm.WithContext(ctx), &model).Error
}

func (s *GormStore) upsert(tx *gorm.DB, model *fleetRecordModel) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "machine_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "dashboard_group", "source", "report", "last_seen_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "fleet_records.last_seen_at <= excluded.last_seen_at"},
		}},
	}).Create(model)
}

// LoadAll returns every stored record.
func (s *GormStore) LoadAll(ctx context.Context) ([]Record, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	var models []fleetRecordModel
	if err := s.orm.WithContext(ctx).Order("machine_id").Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(models))
	for _, m := range models {
		rec, err := fromModel(m)
		if err != nil {
			return nil, fmt.Errorf("decode record %s: %w", m.MachineID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toModel(rec Record) (fleetRecordModel, error) {
	payload, err := json.Marshal(rec.Report)
	if err != nil {
		return fleetRecordModel{}, fmt.Errorf("encode report: %w", err)
	}
	return fleetRecordModel{
		MachineID:      rec.MachineID,
		Hostname:       rec.Report.Machine.Hostname,
		DashboardGroup: rec.Report.Machine.DashboardGroup,
		Source:         rec.Source,
		Report:         datatypes.JSON(payload),
		FirstSeenAt:    rec.FirstSeenAt,
		LastSeenAt:     rec.LastSeenAt,
	}, nil
}

func fromModel(m fleetRecordModel) (Record, error) {
	var report fleet.StatusReport
	if err := json.Unmarshal(m.Report, &report); err != nil {
		return Record{}, err
	}
	return Record{
		MachineID:   m.MachineID,
		Report:      report,
		Source:      m.Source,
		FirstSeenAt: m.FirstSeenAt,
		LastSeenAt:  m.LastSeenAt,
	}, nil
}
