package database

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sparkpadlab/sparkpad/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db := openTestDatabase(t)

	for _, table := range []string{"code_sessions", "session_versions", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q after migration", table)
		}
	}
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	db := openTestDatabase(t)

	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to read migration records: %v", err)
	}
	if len(records) != 1 || records[0].Name != migrationBackfillContentHashes {
		t.Fatalf("unexpected migration records %+v", records)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to re-read migration records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected migration to be recorded once, got %d records", len(records))
	}
}

func TestBackfillComputesMissingContentHashes(t *testing.T) {
	db := openTestDatabase(t)

	content := session.Content{Code: "const a = 1;", HTML: "<div></div>"}
	row := session.CodeSession{
		CodeSpace:  "legacy",
		Code:       content.Code,
		HTML:       content.HTML,
		CSS:        content.CSS,
		Transpiled: content.Transpiled,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	if err := backfillContentHashes(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var reloaded session.CodeSession
	if err := db.Where("code_space = ?", "legacy").Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload row: %v", err)
	}

	codeSpace, err := session.NewCodeSpaceID("legacy")
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if want := session.ContentFingerprint(codeSpace, content); reloaded.ContentHash != want {
		t.Fatalf("expected backfilled hash %q, got %q", want, reloaded.ContentHash)
	}
}
