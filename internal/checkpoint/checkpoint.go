// Package checkpoint persists training state keyed by step.
//
// Every checkpoint is a gob file ckpt-<step>.gob in the manager directory.
// A small JSON index named "checkpoint" records the latest file and the
// retained ones, oldest first.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/FlavioCFOliveira/faststyle/internal/opt"
)

var (
	// ErrNoCheckpoint is returned when the directory holds no checkpoint.
	ErrNoCheckpoint = errors.New("checkpoint: none found")
	// ErrArchMismatch is returned when a checkpoint belongs to another architecture.
	ErrArchMismatch = errors.New("checkpoint: architecture mismatch")
)

// IndexFile is the name of the JSON index inside the checkpoint directory.
const IndexFile = "checkpoint"

// State is everything needed to resume training.
type State struct {
	Step      int64
	Arch      string
	RunID     string
	Params    map[string][]float32
	Adam      opt.AdamState
	LossScale opt.LossScaleState
	SavedAt   time.Time
}

// CheckArch fails with ErrArchMismatch unless the state was saved by arch.
func (s *State) CheckArch(arch string) error {
	if s.Arch != arch {
		return fmt.Errorf("%w: saved %q, running %q", ErrArchMismatch, s.Arch, arch)
	}
	return nil
}

type index struct {
	Latest string   `json:"latest"`
	All    []string `json:"all"`
}

// Manager saves and restores checkpoints in Dir, keeping at most MaxToKeep.
type Manager struct {
	Dir       string
	MaxToKeep int
}

// NewManager creates a manager. MaxToKeep <= 0 keeps every checkpoint.
func NewManager(dir string, maxToKeep int) *Manager {
	return &Manager{Dir: dir, MaxToKeep: maxToKeep}
}

// FileName returns the checkpoint file name for step.
func FileName(step int64) string {
	return fmt.Sprintf("ckpt-%d.gob", step)
}

// Save writes state atomically, updates the index and deletes the oldest
// checkpoints beyond MaxToKeep. It returns the path written.
func (m *Manager) Save(state *State) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create dir: %w", err)
	}
	name := FileName(state.Step)
	path := filepath.Join(m.Dir, name)
	err := writeAtomic(path, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(state)
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: save step %d: %w", state.Step, err)
	}

	idx, err := m.readIndex()
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return "", err
	}
	all := make([]string, 0, len(idx.All)+1)
	for _, n := range idx.All {
		if n != name {
			all = append(all, n)
		}
	}
	all = append(all, name)

	var stale []string
	if m.MaxToKeep > 0 && len(all) > m.MaxToKeep {
		stale = all[:len(all)-m.MaxToKeep]
		all = all[len(all)-m.MaxToKeep:]
	}
	if err := m.writeIndex(index{Latest: name, All: all}); err != nil {
		return "", err
	}
	for _, n := range stale {
		if err := os.Remove(filepath.Join(m.Dir, n)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("checkpoint: remove stale", "file", n, "error", err)
		}
	}
	return path, nil
}

// Latest returns the path of the newest checkpoint.
func (m *Manager) Latest() (string, error) {
	idx, err := m.readIndex()
	if err != nil {
		return "", err
	}
	if idx.Latest == "" {
		return "", ErrNoCheckpoint
	}
	return filepath.Join(m.Dir, idx.Latest), nil
}

// Retained returns the paths of the kept checkpoints, oldest first.
func (m *Manager) Retained() ([]string, error) {
	idx, err := m.readIndex()
	if errors.Is(err, ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(idx.All))
	for i, n := range idx.All {
		paths[i] = filepath.Join(m.Dir, n)
	}
	return paths, nil
}

// Restore reads the checkpoint at path.
func (m *Manager) Restore(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer f.Close()

	var s State
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &s, nil
}

// RestoreLatest reads the newest checkpoint, or returns ErrNoCheckpoint.
func (m *Manager) RestoreLatest() (*State, string, error) {
	path, err := m.Latest()
	if err != nil {
		return nil, "", err
	}
	s, err := m.Restore(path)
	if err != nil {
		return nil, "", err
	}
	return s, path, nil
}

func (m *Manager) readIndex() (index, error) {
	data, err := os.ReadFile(filepath.Join(m.Dir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return index{}, ErrNoCheckpoint
	}
	if err != nil {
		return index{}, fmt.Errorf("checkpoint: read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("checkpoint: parse index: %w", err)
	}
	return idx, nil
}

func (m *Manager) writeIndex(idx index) error {
	err := writeAtomic(filepath.Join(m.Dir, IndexFile), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(idx)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: write index: %w", err)
	}
	return nil
}

// writeAtomic writes through a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
