package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/microscope/internal/config"
)

// Repository defines persistence operations for settings snapshots.
type Repository interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Snapshot holds committed setting values per device.
type Snapshot struct {
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `yaml:"timestamp"`
	// Devices maps device ids to setting values.
	Devices map[string]map[string]any `yaml:"devices"`
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Devices: make(map[string]map[string]any),
	}
}

// Set replaces the stored values of one device.
func (s *Snapshot) Set(deviceID string, values map[string]any) {
	if s.Devices == nil {
		s.Devices = make(map[string]map[string]any)
	}

	s.Devices[deviceID] = maps.Clone(values)
}

// Values returns the stored values of one device.
func (s *Snapshot) Values(deviceID string) (map[string]any, bool) {
	if s == nil {
		return nil, false
	}

	values, ok := s.Devices[deviceID]

	return values, ok
}

// Clone returns a copy of the snapshot with its own device maps.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	cloned := &Snapshot{
		Timestamp: s.Timestamp,
		Devices:   make(map[string]map[string]any, len(s.Devices)),
	}

	for id, values := range s.Devices {
		cloned.Devices[id] = maps.Clone(values)
	}

	return cloned
}

// FileRepository persists snapshots to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the snapshot file.
	path string
	// mu protects concurrent access to the snapshot file.
	mu sync.Mutex
}

// ErrNotFound is returned when the snapshot file does not exist yet.
var ErrNotFound = errors.New("snapshot not found")

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the snapshot from disk.
func (r *FileRepository) Load(_ context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	snapshot := NewSnapshot()
	if err = yaml.Unmarshal(contents, snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot file: %w", err)
	}

	return snapshot, nil
}

// Save writes the snapshot through a temporary file and a rename, so a
// crash never leaves a truncated file behind.
func (r *FileRepository) Save(_ context.Context, snapshot *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}

	return nil
}
