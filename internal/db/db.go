// Package db opens the workspace SQLite database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	dirName  = ".drawline"
	fileName = "drawline.db"
)

type Config struct {
	Workspace string
	// File overrides the database location inside the workspace directory.
	File string
}

// Dir returns the state directory of a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName)
}

// Path returns the database file for cfg.
func Path(cfg Config) string {
	if cfg.File != "" {
		return cfg.File
	}
	return filepath.Join(Dir(cfg.Workspace), fileName)
}

// Open creates the workspace directory when needed and opens the database
// with foreign keys on and WAL journaling. All access goes through one
// connection so SQLite never sees competing writers from this process.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	log.Debug().Str("path", path).Msg("database opened")
	return conn, nil
}
