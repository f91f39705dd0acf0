package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quotawatch/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	cfg.Storage.PruneSchedule = "" // no cron in tests
	cfg.Server.Port = 0            // any free port
	cfg.Server.PortScanRange = 1
	cfg.Telemetry.Logging.Level = "error"
	return cfg
}

func TestNew(t *testing.T) {
	a, err := New(testConfig(t), "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Port() != 0 {
		t.Errorf("Port = %d before Run", a.Port())
	}
	if err := a.usageStore.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.usageStore.Close()

	if _, err := os.Stat(filepath.Join(cfg.Agent.DataDir, "usage.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Wait for the server to come up.
	deadline := time.Now().Add(5 * time.Second)
	for a.Port() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server never bound a port")
		}
		time.Sleep(10 * time.Millisecond)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", a.Port())
	resp, err := http.Get(url)
	if err != nil {
		cancel()
		t.Fatalf("health probe failed: %v", err)
	}
	var health struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	resp.Body.Close()
	if health.Status != "ok" || health.PID != os.Getpid() {
		t.Errorf("unexpected health: %+v", health)
	}

	// Discovery metadata points at the bound port.
	metaPath := filepath.Join(cfg.Agent.DataDir, "agent.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("discovery metadata missing: %v", err)
	}
	var meta struct {
		Port int `json:"port"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if meta.Port != a.Port() {
		t.Errorf("metadata port = %d, want %d", meta.Port, a.Port())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	// Shutdown removed the metadata file.
	if _, err := os.Stat(metaPath); !os.IsNotExist(err) {
		t.Error("discovery metadata not cleaned up")
	}
}

func TestRun_SecondAgentBlockedByLock(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Port() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never bound a port")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Same data dir, second instance.
	second, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New (second) failed: %v", err)
	}
	defer second.usageStore.Close()

	if err := second.Run(context.Background()); err == nil {
		t.Fatal("second agent should fail to acquire the launch lock")
	}

	cancel()
	<-done
}
