package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// State is the crash-safe record of what this provider currently owns. It
// lets the next run clean up a container and volume left by a crash.
type State struct {
	ProviderID  string    `json:"providerId"`
	ContainerID string    `json:"containerId,omitempty"`
	VolumeName  string    `json:"volumeName,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	PublicURL   string    `json:"publicUrl,omitempty"`
	State       string    `json:"state"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Owned reports whether the record still references live resources.
func (s State) Owned() bool {
	return s.ContainerID != "" || s.VolumeName != ""
}

type StateFile struct {
	path string
	mu   sync.Mutex
}

func NewStateFile(stateDir string) (*StateFile, error) {
	path, err := GetStatePath(stateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateFile{path: path}, nil
}

func (f *StateFile) Path() string {
	return f.path
}

// Load returns the stored state, or a zero State when none exists.
func (f *StateFile) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *StateFile) Save(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(s)
}

// Update applies fn to the stored state and saves the result. The whole
// read-modify-write runs under one lock.
func (f *StateFile) Update(fn func(*State)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.load()
	if err != nil {
		return err
	}
	fn(&s)
	s.UpdatedAt = time.Now().UTC()
	return f.save(s)
}

func (f *StateFile) load() (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", f.path, err)
	}
	return s, nil
}

func (f *StateFile) save(s State) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return atomic.WriteFile(f.path, bytes.NewReader(data))
}
