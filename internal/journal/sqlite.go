package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// remoteFilesystems are filesystem types on which SQLite locking is unreliable.
var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// openSQLite opens (and creates if needed) the journal database at path and
// ensures the call_log table exists.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := checkLocalFilesystem(path, filesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Concurrent calls record from many goroutines; one connection keeps
	// writers from contending for the lock.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_log (
  id             TEXT PRIMARY KEY,
  code           TEXT NOT NULL,
  origin         TEXT NOT NULL,
  status         TEXT NOT NULL,
  input_digest   TEXT NOT NULL,
  error_name     TEXT,
  error_message  TEXT,
  started_at     TEXT NOT NULL,
  completed_at   TEXT NOT NULL,
  duration_ms    INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS call_log_started_at_idx ON call_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS call_log_status_idx ON call_log(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// CheckPath reports whether path can hold a journal: it must be on a local
// filesystem.
func CheckPath(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

// checkLocalFilesystem refuses journal paths on network filesystems. The
// nearest existing ancestor of path is inspected, so the file itself need not
// exist yet.
func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	probe := abs
	for {
		_, err := os.Stat(probe)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", probe, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("no existing parent for %q", abs)
		}
		probe = parent
	}

	fsType, err := detect(probe)
	if err != nil {
		// Undetectable filesystems are allowed.
		return nil
	}
	if remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return fmt.Errorf("journal path %q is on network filesystem %q; SQLite requires a local filesystem. Set journal.path to a local file", path, fsType)
	}
	return nil
}
