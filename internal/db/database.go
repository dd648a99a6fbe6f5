package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DriverFor picks the database/sql driver for a DATABASE_URL.
// postgres:// and postgresql:// URLs use lib/pq, anything else is a sqlite path.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Open connects to the database and runs migrations.
func Open(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	driver := DriverFor(dsn)
	connStr := dsn
	if driver == "sqlite" && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o751); err != nil {
				return nil, fmt.Errorf("could not create database directory: %w", err)
			}
		}
		connStr = dsn + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sqlx.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// sqlite allows one writer; a single connection also keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		if dsn == ":memory:" {
			if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
			}
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return db, nil
}

// Migrate applies the schema for the connection's dialect. Statements are idempotent.
func Migrate(db *sqlx.DB) error {
	stmts := sqliteSchema
	if db.DriverName() == "postgres" {
		stmts = append(append([]string{}, postgresSchema...), postgresNotify...)
	}
	for i, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply migration step %d: %w", i, err)
		}
	}
	log.Debug().Int("statements", len(stmts)).Msg("Database migrations applied")
	return nil
}
