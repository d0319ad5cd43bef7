package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upFleetRecords, downFleetRecords)
}

type FleetRecord struct {
	MachineID      string         `gorm:"type:text;primaryKey"`
	Hostname       string         `gorm:"type:text;not null;index"`
	DashboardGroup string         `gorm:"type:text"`
	Source         string         `gorm:"type:text;not null"`
	Report         datatypes.JSON `gorm:"type:jsonb;not null"`
	FirstSeenAt    time.Time      `gorm:"type:timestamptz;not null"`
	LastSeenAt     time.Time      `gorm:"type:timestamptz;not null;index"`
}

func (FleetRecord) TableName() string { return "fleet_records" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upFleetRecords(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&FleetRecord{})
}

func downFleetRecords(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&FleetRecord{})
}
