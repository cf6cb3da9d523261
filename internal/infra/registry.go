package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

const (
	registryFileName = "controller.json"
	registryVersion  = 1
)

// FileRegistry implements domain.ControllerRegistry using a JSON file in the
// data directory. Liveness needs both a running PID and a fresh heartbeat.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
	clock          clockwork.Clock
}

// NewFileRegistry creates a registry in dataDir.
func NewFileRegistry(dataDir string, pm domain.ProcessManager) *FileRegistry {
	return NewFileRegistryWithPath(filepath.Join(dataDir, registryFileName), pm, clockwork.NewRealClock())
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, pm domain.ProcessManager, clock clockwork.Clock) *FileRegistry {
	return &FileRegistry{
		path:           path,
		processManager: pm,
		clock:          clock,
	}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register records the running controller, replacing any previous entry.
func (r *FileRegistry) Register(entry domain.ControllerEntry) error {
	return r.locked(func() error {
		now := r.clock.Now().Unix()
		entry.Version = registryVersion
		if entry.StartedAt == 0 {
			entry.StartedAt = now
		}
		entry.LastHeartbeat = now
		return r.atomicWrite(&entry)
	})
}

// UpdateHeartbeat updates timestamp for liveness check.
func (r *FileRegistry) UpdateHeartbeat() error {
	return r.locked(func() error {
		entry, err := r.Get()
		if err != nil {
			return err
		}
		if entry == nil {
			return errors.New("controller not registered")
		}
		entry.LastHeartbeat = r.clock.Now().Unix()
		return r.atomicWrite(entry)
	})
}

// Get returns the registered controller, or nil when the file is absent.
func (r *FileRegistry) Get() (*domain.ControllerEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.ControllerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt controller registry: %w", err)
	}
	return &entry, nil
}

// IsAlive reports whether the registered PID runs and its heartbeat is
// younger than maxAge. A zero maxAge skips the heartbeat check.
func (r *FileRegistry) IsAlive(maxAge time.Duration) bool {
	entry, err := r.Get()
	if err != nil || entry == nil || entry.PID == 0 {
		return false
	}
	if !r.processManager.IsRunning(entry.PID) {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	age := r.clock.Now().Sub(time.Unix(entry.LastHeartbeat, 0))
	return age <= maxAge
}

// Clear removes the registry file. A missing file is not an error.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// locked runs fn under an exclusive flock so a starting controller and a
// heartbeat never interleave.
func (r *FileRegistry) locked(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// atomicWrite writes the entry to a temp file, then renames it into place.
func (r *FileRegistry) atomicWrite(entry *domain.ControllerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Unique per process to avoid racing writers
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.ControllerRegistry.
var _ domain.ControllerRegistry = (*FileRegistry)(nil)
