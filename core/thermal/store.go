package thermal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gridpilot/hems/core/model"
)

// Store persists the thermal-model artifact as a single JSON file. The file
// is written by the learner and read once per planning cycle.
type Store struct {
	path string
}

// NewStore creates a store rooted at the configured artifact path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and validates the persisted artifact.
func (s *Store) Load() (*Model, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelLoadFailed, err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelLoadFailed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save atomically replaces the artifact.
func (s *Store) Save(m *Model) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	return nil
}
