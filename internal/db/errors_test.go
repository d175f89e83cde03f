package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/estatedesk/billing/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	conn, err := Open(SQLiteDSN(filepath.Join(t.TempDir(), "unique.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(conn) })
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	if errCreate := conn.Create(&models.User{Username: "dup", Password: "x", Role: models.RoleUser, Active: true}).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	errDup := conn.Create(&models.User{Username: "dup", Password: "x", Role: models.RoleUser, Active: true}).Error
	if !IsUniqueViolation(errDup) {
		t.Fatalf("expected unique violation, got %v", errDup)
	}

	pgErr := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(pgErr) {
		t.Fatalf("expected wrapped pg 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation must not count")
	}
	if !IsUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("expected gorm.ErrDuplicatedKey to count")
	}
	if IsUniqueViolation(nil) || IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("unexpected unique violation")
	}
}
