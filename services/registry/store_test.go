package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestMemoryStoreKeepsNewestSave(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	newer := Record{MachineID: "m-1", Report: report("m-1", "studio", "lab", "ios-mobile"), LastSeenAt: t0.Add(time.Minute)}
	older := Record{MachineID: "m-1", Report: report("m-1", "studio", "lab"), LastSeenAt: t0}
	for _, rec := range []Record{newer, older} {
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := store.LoadAll(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("LoadAll() = %+v, %v", got, err)
	}
	if !got[0].LastSeenAt.Equal(newer.LastSeenAt) || len(got[0].Report.Sessions) != 1 {
		t.Fatalf("stored = %+v, want the later report", got[0])
	}
}

func TestGormUpsertSkipsOlderReports(t *testing.T) {
	orm, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=127.0.0.1 dbname=fleetsync"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	store, err := NewGormStore(orm)
	if err != nil {
		t.Fatalf("NewGormStore() error = %v", err)
	}

	model, err := toModel(Record{MachineID: "m-1", Report: report("m-1", "studio", ""), Source: SourceReport, LastSeenAt: time.Now()})
	if err != nil {
		t.Fatalf("toModel() error = %v", err)
	}
	stmt := store.upsert(orm.WithContext(context.Background()), &model).Statement.SQL.String()

	for _, want := range []string{"ON CONFLICT", "DO UPDATE SET", "WHERE fleet_records.last_seen_at <= excluded.last_seen_at"} {
		if !strings.Contains(stmt, want) {
			t.Fatalf("upsert SQL missing %q:\n%s", want, stmt)
		}
	}
}
