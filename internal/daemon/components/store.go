package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/runit/internal/config"
	"github.com/harunnryd/runit/internal/daemon"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/store"
)

// StateStoreComponent owns the state dir: the single-instance lock and the
// state file the lifecycle persists into.
type StateStoreComponent struct {
	cfg         *config.DaemonConfig
	stateFile   *store.StateFile
	lock        *store.FileLock
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStateStoreComponent(cfg *config.DaemonConfig) (*StateStoreComponent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daemon config cannot be nil")
	}
	stateFile, err := store.NewStateFile(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	return &StateStoreComponent{
		cfg:       cfg,
		stateFile: stateFile,
	}, nil
}

func (s *StateStoreComponent) Name() string {
	return "StateStore"
}

func (s *StateStoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StateStoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("StateStore init cancelled: %w", ctx.Err())
	default:
	}

	lockTimeout, err := config.DurationOrDefault(s.cfg.LockTimeout, config.DefaultDaemonLockTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon lock timeout: %w", err)
	}

	lock, err := store.NewFileLock(s.cfg.StateDir, &store.FileLockConfig{LockTimeout: lockTimeout})
	if err != nil {
		if errors.Is(err, runitErrors.ErrConflict) {
			return runitErrors.FatalStartup(err, "another provider is running")
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}

	s.lock = lock
	s.initialized = true
	slog.Info("StateStore initialized", "component", s.Name(), "state_file", s.stateFile.Path())
	return nil
}

func (s *StateStoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("StateStore not initialized")
	}

	s.started = true
	s.startTime = time.Now()
	slog.Info("StateStore started", "component", s.Name())
	return nil
}

func (s *StateStoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		slog.Info("StateStore not locked, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping StateStore...", "component", s.Name())
	s.lock.Unlock()
	s.lock = nil
	s.started = false
	s.initialized = false
	slog.Info("StateStore stopped", "component", s.Name())
	return nil
}

func (s *StateStoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !s.started {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	if s.lock == nil || !s.lock.IsLocked() {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("lock not held"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Detail:  fmt.Sprintf("lock held for %s", s.lock.HeldDuration().Round(time.Second)),
		Error:   nil,
	}, nil
}

func (s *StateStoreComponent) StateFile() *store.StateFile {
	return s.stateFile
}
