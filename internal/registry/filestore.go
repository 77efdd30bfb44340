package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// State is the persisted form of the registry.
type State struct {
	Programs []string `json:"programs"`
	Interval int      `json:"interval"`
}

// Store persists registry state. Save must replace the previous state as a whole.
type Store interface {
	Load() (State, bool, error)
	Save(State) error
}

// FileStore keeps the state in a single JSON document.
type FileStore struct {
	Path string
}

// Load returns the stored state. found is false when the file does not exist.
func (f FileStore) Load() (State, bool, error) {
	b, err := os.ReadFile(filepath.Clean(f.Path))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, true, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return st, true, nil
}

// Save writes the document to a temporary file next to Path and renames it
// over the old one.
func (f FileStore) Save(st State) error {
	if st.Programs == nil {
		st.Programs = []string{}
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.Path)
}
