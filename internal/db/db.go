// Package db opens the agent daemon's SQLite database and applies its
// embedded schema migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// FileName is the database file name inside the state directory.
const FileName = "agentd.db"

// Path returns the database path for a state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Open opens the SQLite database at path, creating its directory, and
// brings the schema up to date.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("database opened")
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			if stmt == "PRAGMA journal_mode=WAL;" {
				log.Warn().Err(err).Msg("sqlite: WAL mode not enabled")
				continue
			}
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func Version(db *sql.DB) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
