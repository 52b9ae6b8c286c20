package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// StateDir holds the database, the signing key and nothing else.
	StateDir      = ".signoff"
	defaultDBName = "signoff.db"
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
}

func stateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, StateDir)
}

// EnsureWorkspace makes sure the workspace's .signoff state directory exists
// and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// dsn pins the connection pragmas. Transactions take the write lock up front
// (_txlock=immediate) so concurrent votes queue on busy_timeout instead of
// failing on lock upgrade.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busyTimeoutMS)
}

// Open creates the state directory if needed and opens the workspace database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	return filepath.Join(stateDir(workspace), defaultDBName)
}
