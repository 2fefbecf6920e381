package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/zpdzap/sandterm/internal/config"
)

// State holds what outlives a process: the boxes and the hybrid preference.
// Every sandterm process reads it fresh, so access goes through a file lock.
type State struct {
	Boxes      map[string]*Box `json:"boxes"`
	Preference Preference      `json:"preference"`
}

func newState() *State {
	return &State{Boxes: make(map[string]*Box)}
}

func statePath(projectDir string) string {
	return filepath.Join(projectDir, config.Dir, config.StateFile)
}

func stateLock(projectDir string) (*flock.Flock, error) {
	dir := filepath.Join(projectDir, config.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return flock.New(statePath(projectDir) + ".lock"), nil
}

// readState loads the state under a shared lock.
func readState(projectDir string) (*State, error) {
	fl, err := stateLock(projectDir)
	if err != nil {
		return nil, err
	}
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("locking state: %w", err)
	}
	defer fl.Unlock()
	return loadState(projectDir)
}

// updateState runs fn on the current state under an exclusive lock and
// saves the result unless fn fails.
func updateState(projectDir string, fn func(*State) error) error {
	fl, err := stateLock(projectDir)
	if err != nil {
		return err
	}
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking state: %w", err)
	}
	defer fl.Unlock()

	s, err := loadState(projectDir)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return saveState(projectDir, s)
}

func loadState(projectDir string) (*State, error) {
	data, err := os.ReadFile(statePath(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Boxes == nil {
		s.Boxes = make(map[string]*Box)
	}
	return &s, nil
}

// saveState writes through a temp file so readers never see a partial file.
func saveState(projectDir string, s *State) error {
	dir := filepath.Join(projectDir, config.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := statePath(projectDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return os.Rename(tmp, statePath(projectDir))
}

// LoadPreference returns the stored hybrid preference.
func LoadPreference(projectDir string) (Preference, error) {
	s, err := readState(projectDir)
	if err != nil {
		return Preference{}, err
	}
	return s.Preference, nil
}

// SavePreference stores the hybrid preference.
func SavePreference(projectDir string, p Preference) error {
	switch p.Backend {
	case BackendRemote, BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q (want remote or local)", p.Backend)
	}
	if p.Connection != "" {
		if _, _, err := config.ParseConnection(p.Connection); err != nil {
			return err
		}
	}
	p.UpdatedAt = time.Now()
	return updateState(projectDir, func(s *State) error {
		s.Preference = p
		return nil
	})
}
