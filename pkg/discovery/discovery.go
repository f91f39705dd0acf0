// Package discovery publishes how to reach a running agent.
//
// The agent writes a small metadata file (agent.json) after its HTTP
// listener is bound. Local clients read it to find the API port instead
// of scanning. The file is advisory only: readers must validate that the
// recorded pid is alive and that the health endpoint answers before
// trusting it. Files that fail validation are archived, never reused.
//
// A lock file resolves the race of two agents launching at once; a lock
// held by a dead process is taken over.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"quotawatch/pkg/telemetry/logging"
)

const (
	metadataFile = "agent.json"
	lockFile     = "agent.lock"

	// probeTimeout bounds the health check a reader performs before
	// trusting a metadata file.
	probeTimeout = 2 * time.Second
)

// Metadata describes one running agent.
type Metadata struct {
	// Port is the bound API port.
	Port int `json:"port"`

	// PID is the agent's process id.
	PID int `json:"pid"`

	// StartedAt is when the agent started, UTC.
	StartedAt time.Time `json:"started_at"`

	// Version is the agent build version.
	Version string `json:"version"`

	// Debug reports whether the agent runs with debug logging.
	Debug bool `json:"debug"`

	// Machine is the hostname the agent runs on.
	Machine string `json:"machine"`

	// User is the account the agent runs as.
	User string `json:"user"`

	// LogPath points at the agent's log output when file-backed.
	LogPath string `json:"log_path,omitempty"`
}

// Manager reads and writes discovery state under one directory.
type Manager struct {
	dir    string
	logger *logging.Logger
	client *http.Client

	// Overridable for tests.
	now      func() time.Time
	pidAlive func(pid int) bool
}

// NewManager creates a manager rooted at dir, typically the agent data
// directory.
func NewManager(dir string, logger *logging.Logger) *Manager {
	return &Manager{
		dir:      dir,
		logger:   logger,
		client:   &http.Client{Timeout: probeTimeout},
		now:      time.Now,
		pidAlive: processAlive,
	}
}

// Path returns the metadata file location.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, metadataFile)
}

// Write persists the metadata atomically with 0600 permissions. Machine
// and User are filled in when blank. Call only after the listener is
// bound so readers never see a port that was not actually acquired.
func (m *Manager) Write(meta Metadata) error {
	if meta.Machine == "" {
		if host, err := os.Hostname(); err == nil {
			meta.Machine = host
		}
	}
	if meta.User == "" {
		if u, err := user.Current(); err == nil {
			meta.User = u.Username
		}
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create discovery directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode discovery metadata: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".agent-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set metadata permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp metadata file: %w", err)
	}

	if err := os.Rename(tmpName, m.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish metadata: %w", err)
	}

	m.logger.Info("discovery metadata written",
		"path", m.Path(), "port", meta.Port, "pid", meta.PID)
	return nil
}

// Read returns validated metadata, or nil when no live agent is
// published. A file that fails validation is archived so a crashed
// agent's leftovers cannot be trusted twice.
func (m *Manager) Read(ctx context.Context) (*Metadata, error) {
	data, err := os.ReadFile(m.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		m.logger.Warn("archiving corrupt discovery metadata", "error", err)
		return nil, m.archiveStale()
	}

	if !m.validate(ctx, &meta) {
		m.logger.Warn("archiving stale discovery metadata",
			"pid", meta.PID, "port", meta.Port)
		return nil, m.archiveStale()
	}

	return &meta, nil
}

// Remove deletes the metadata file. Absence is not an error; shutdown
// paths call this unconditionally.
func (m *Manager) Remove() error {
	if err := os.Remove(m.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove discovery metadata: %w", err)
	}
	return nil
}

// validate requires a live pid and an answering health endpoint. Either
// check failing means the file is stale.
func (m *Manager) validate(ctx context.Context, meta *Metadata) bool {
	if meta.PID <= 0 || meta.Port <= 0 {
		return false
	}
	if !m.pidAlive(meta.PID) {
		return false
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", meta.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// archiveStale renames the metadata file aside with a timestamp suffix.
func (m *Manager) archiveStale() error {
	archived := fmt.Sprintf("%s.stale-%d", m.Path(), m.now().Unix())
	if err := os.Rename(m.Path(), archived); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to archive stale metadata: %w", err)
	}
	return nil
}

// Lock is a held launch lock. Release it when the agent exits.
type Lock struct {
	path string
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release launch lock: %w", err)
	}
	return nil
}

// AcquireLock takes the machine-local launch lock. A lock held by a live
// process fails the acquisition; a lock left by a dead process is taken
// over.
func (m *Manager) AcquireLock() (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create discovery directory: %w", err)
	}

	path := filepath.Join(m.dir, lockFile)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create launch lock: %w", err)
		}

		holder, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("launch lock held and unreadable: %w", readErr)
		}
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(holder)))
		if convErr == nil && m.pidAlive(pid) {
			return nil, fmt.Errorf("another agent is starting (pid %d)", pid)
		}

		// Holder is dead; take the lock over.
		m.logger.Warn("taking over launch lock from dead process", "pid", pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale launch lock: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to acquire launch lock at %s", path)
}
