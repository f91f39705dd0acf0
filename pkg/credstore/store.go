// Package credstore persists provider credentials as a JSON file.
//
// The store is the single source of truth for which providers the agent
// polls. Writes go through an atomic rename so a crash mid-save never
// leaves a truncated file, and the file is kept at 0600 since it holds
// API keys.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"quotawatch/pkg/providers"
)

// Store manages the persisted set of provider credentials.
type Store interface {
	// Load returns all stored credentials. A missing file is an empty
	// store, not an error.
	Load(ctx context.Context) ([]providers.Credential, error)

	// Save inserts or replaces the credential for its provider id.
	Save(ctx context.Context, cred providers.Credential) error

	// Remove deletes the credential for the given provider id. Removing
	// an absent id is a no-op.
	Remove(ctx context.Context, providerID string) error
}

// FileStore is the file-backed Store implementation.
type FileStore struct {
	path string

	// mu serializes read-modify-write cycles on the file.
	mu sync.Mutex
}

// NewFileStore creates a store backed by the given JSON file path.
// The parent directory is created on first save.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential store path cannot be empty")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the credential file.
func (s *FileStore) Load(ctx context.Context) ([]providers.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

// Save inserts or replaces a credential, keyed by provider id
// (case-insensitive).
func (s *FileStore) Save(ctx context.Context, cred providers.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cred.ProviderID) == "" {
		return fmt.Errorf("credential provider id cannot be empty")
	}
	cred.ProviderID = strings.ToLower(strings.TrimSpace(cred.ProviderID))

	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.loadLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range creds {
		if strings.EqualFold(creds[i].ProviderID, cred.ProviderID) {
			creds[i] = cred
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, cred)
	}

	return s.writeLocked(creds)
}

// Remove deletes the credential for the given provider id.
func (s *FileStore) Remove(ctx context.Context, providerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.loadLocked()
	if err != nil {
		return err
	}

	kept := creds[:0]
	for _, c := range creds {
		if !strings.EqualFold(c.ProviderID, providerID) {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(creds) {
		return nil
	}

	return s.writeLocked(kept)
}

func (s *FileStore) loadLocked() ([]providers.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var creds []providers.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %q: %w", s.path, err)
	}
	return creds, nil
}

// writeLocked writes the full credential set via temp-file rename so
// readers never observe a partial file.
func (s *FileStore) writeLocked(creds []providers.Credential) error {
	sort.SliceStable(creds, func(i, j int) bool {
		return creds[i].ProviderID < creds[j].ProviderID
	})

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set credential file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
