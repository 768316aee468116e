// Package localdb opens the SQLite database that backs durable job state.
//
// Builds with cgo use github.com/tursodatabase/go-libsql, which also accepts
// remote libsql:// URLs. Builds without cgo register modernc.org/sqlite under
// the same driver name and support local files only.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryPath opens a private in-process database.
const MemoryPath = ":memory:"

const driverName = "libsql"

// ErrRemoteUnsupported is returned by Open for a libsql URL in a build
// without cgo.
var ErrRemoteUnsupported = errors.New("localdb: remote libsql urls need a cgo build")

// Config selects the database location. URL wins over Path.
type Config struct {
	// Path is a filesystem path or a file: DSN.
	Path string `mapstructure:"path"`

	// URL is a libsql server, e.g. libsql://jobs.turso.io.
	URL string `mapstructure:"url"`

	// AuthToken is added to URL as authToken unless the URL already has one.
	AuthToken string `mapstructure:"auth_token"`
}

// IsRemote reports whether cfg points at a libsql server.
func (c Config) IsRemote() bool {
	return strings.TrimSpace(c.URL) != ""
}

// Open opens the job database for cfg, creating the parent directory of a
// local file. Local databases get a single connection; files also run in
// WAL mode with a busy timeout so the agent and CLI can share them.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.IsRemote() && !remoteSupported {
		return nil, ErrRemoteUnsupported
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := tune(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	return db, nil
}

func buildDSN(cfg Config) (string, error) {
	if cfg.IsRemote() {
		return withAuthToken(strings.TrimSpace(cfg.URL), cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("job store path or url is required")
	case path == MemoryPath, strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		u, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("invalid store path: %w", err)
		}
		local := u.Path
		if local == "" {
			local = u.Opaque
		}
		if err := mkParent(strings.TrimPrefix(local, "//")); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := mkParent(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func tune(ctx context.Context, db *sql.DB, dsn string) error {
	local := dsn == MemoryPath || strings.HasPrefix(dsn, "file:")
	if !local {
		return nil
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == MemoryPath {
		db.SetConnMaxLifetime(0)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var timeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&timeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func mkParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if path == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- the data dir is shared by the agent and CLI
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
