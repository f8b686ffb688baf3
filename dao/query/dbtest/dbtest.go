// Package dbtest opens throwaway sqlite databases with the production schema for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/dao/query"
)

// New returns a migrated database backed by a file in t.TempDir().
func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "memoria.db") + "?_busy_timeout=5000&_foreign_keys=off"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite allows a single writer; nested work must use the transaction handle.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := query.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Workspace creates a workspace with the given key and settings.
func Workspace(t testing.TB, db *gorm.DB, key string, settings model.WorkspaceSettings) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{Key: key, Name: key, Settings: datatypes.NewJSONType(settings)}
	if err := db.Create(ws).Error; err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws
}

// User creates a user with the given name.
func User(t testing.TB, db *gorm.DB, name string) *model.User {
	t.Helper()
	u := &model.User{Name: name, Status: model.StatusActive}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}
