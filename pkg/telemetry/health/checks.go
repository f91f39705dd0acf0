package health

import (
	"context"
	"fmt"
	"os"

	"quotawatch/pkg/store"
)

// StoreCheck probes the usage store with a cheap read.
func StoreCheck(s store.Store) Check {
	return func(ctx context.Context) error {
		if s == nil {
			return fmt.Errorf("store not configured")
		}
		if _, err := s.Latest(ctx); err != nil {
			return fmt.Errorf("store read failed: %w", err)
		}
		return nil
	}
}

// FileCheck verifies a file is readable when it exists. A missing file
// passes; the credential file is only created once a provider is
// configured.
func FileCheck(path string) Check {
	return func(ctx context.Context) error {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		return f.Close()
	}
}
