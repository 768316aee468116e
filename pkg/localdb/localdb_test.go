package localdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "empty", cfg: Config{}, wantErr: true},
		{name: "memory", cfg: Config{Path: MemoryPath}, want: MemoryPath},
		{name: "plain path", cfg: Config{Path: filepath.Join(dir, "a", "jobs.db")}, want: "file:" + filepath.Join(dir, "a", "jobs.db")},
		{name: "file dsn passthrough", cfg: Config{Path: "file:" + filepath.Join(dir, "b.db")}, want: "file:" + filepath.Join(dir, "b.db")},
		{name: "url without token", cfg: Config{URL: "libsql://db.example.io"}, want: "libsql://db.example.io"},
		{name: "url with token", cfg: Config{URL: "libsql://db.example.io", AuthToken: "tok"}, want: "libsql://db.example.io?authToken=tok"},
		{name: "url keeps existing token", cfg: Config{URL: "libsql://db.example.io?authToken=a", AuthToken: "b"}, want: "libsql://db.example.io?authToken=a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDSN_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "jobs.db")
	_, err := buildDSN(Config{Path: path})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(path))
}

func TestOpen_LocalFile(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var mode string
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpen_Memory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: MemoryPath})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestConfigIsRemote(t *testing.T) {
	assert.False(t, Config{Path: "x.db"}.IsRemote())
	assert.True(t, Config{URL: "libsql://db"}.IsRemote())
}

func TestOpen_RemoteNeedsCgo(t *testing.T) {
	if remoteSupported {
		t.Skip("cgo build accepts remote urls")
	}
	_, err := Open(context.Background(), Config{URL: "libsql://db.example.io"})
	assert.ErrorIs(t, err, ErrRemoteUnsupported)
}
