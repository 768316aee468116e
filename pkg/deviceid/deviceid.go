// Package deviceid maintains the stable per-installation client id sent with
// every remote request.
//
// The identity is written once to <data_dir>/device.json and never rotated;
// the processing service keys its per-device state on it.
package deviceid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the identity file within the data directory.
const FileName = "device.json"

// Identity is the persisted device record.
//
// NOTE: This is part of the stable on-disk contract; extend additively.
type Identity struct {
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
	Hostname  string    `json:"hostname,omitempty"`
}

var mu sync.Mutex

// Path returns the identity file path under dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load returns the identity stored under dataDir, creating it on first use.
func Load(dataDir string) (*Identity, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}

	mu.Lock()
	defer mu.Unlock()

	id, err := read(Path(dataDir))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	host, _ := os.Hostname()
	id = &Identity{
		ClientID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Hostname:  host,
	}
	if err := write(dataDir, id); err != nil {
		return nil, err
	}
	return id, nil
}

// ClientID is a convenience wrapper returning only the id.
func ClientID(dataDir string) (string, error) {
	id, err := Load(dataDir)
	if err != nil {
		return "", err
	}
	return id.ClientID, nil
}

func read(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", FileName)
	}

	var id Identity
	if err := json.Unmarshal([]byte(trimmed), &id); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if _, err := uuid.Parse(id.ClientID); err != nil {
		return nil, fmt.Errorf("invalid client_id in %s: %w", FileName, err)
	}
	return &id, nil
}

func write(dataDir string, id *Identity) error {
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dataDir, FileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity file: %w", err)
	}

	if err := os.Rename(tmpName, Path(dataDir)); err != nil {
		return fmt.Errorf("rename identity file: %w", err)
	}
	return nil
}
