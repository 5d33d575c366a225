package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConnectionSettings is the connection state owned by the settings flow.
// The delivery core reads it; the only field it ever writes back is
// LastHeartbeatAt.
type ConnectionSettings struct {
	AccessToken     string `yaml:"access_token"`
	Connected       bool   `yaml:"connected"`
	LastHeartbeatAt int64  `yaml:"last_heartbeat_at"`
}

// CanSend reports whether the pipeline is allowed to talk to the backend.
func (cs ConnectionSettings) CanSend() bool {
	return cs.Connected && strings.TrimSpace(cs.AccessToken) != ""
}

// SettingsStore is the injected snapshot provider for connection settings.
// Loops read a fresh snapshot per tick rather than holding ambient state.
type SettingsStore interface {
	Settings(ctx context.Context) (ConnectionSettings, error)
	Save(ctx context.Context, cs ConnectionSettings) error
	SaveLastHeartbeat(ctx context.Context, atMs int64) error
}

// FileSettingsStore keeps settings in a small yaml file, written atomically
// (temp file + rename) so a crash mid-write cannot corrupt it.
type FileSettingsStore struct {
	path string
	mu   sync.Mutex
}

func NewFileSettingsStore(path string) (*FileSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileSettingsStore{path: path}, nil
}

func (f *FileSettingsStore) Settings(ctx context.Context) (ConnectionSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *FileSettingsStore) Save(ctx context.Context, cs ConnectionSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(cs)
}

func (f *FileSettingsStore) SaveLastHeartbeat(ctx context.Context, atMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, err := f.readLocked()
	if err != nil {
		return err
	}
	cs.LastHeartbeatAt = atMs
	return f.writeLocked(cs)
}

func (f *FileSettingsStore) readLocked() (ConnectionSettings, error) {
	var cs ConnectionSettings
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return cs, nil
	}
	if err != nil {
		return cs, err
	}
	if err := yaml.Unmarshal(b, &cs); err != nil {
		return ConnectionSettings{}, err
	}
	return cs, nil
}

func (f *FileSettingsStore) writeLocked(cs ConnectionSettings) error {
	b, err := yaml.Marshal(cs)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
