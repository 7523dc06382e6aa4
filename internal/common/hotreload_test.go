package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

// MockConfigReloader implements ConfigReloader for testing
type MockConfigReloader struct {
	configPath       string
	componentName    string
	hotReloadEnabled bool
	reloadCount      int
	reloadError      error
	mu               sync.RWMutex
}

func NewMockConfigReloader(configPath, componentName string, enabled bool) *MockConfigReloader {
	return &MockConfigReloader{
		configPath:       configPath,
		componentName:    componentName,
		hotReloadEnabled: enabled,
	}
}

func (m *MockConfigReloader) ReloadConfig() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCount++
	return m.reloadError
}

func (m *MockConfigReloader) GetConfigPath() string    { return m.configPath }
func (m *MockConfigReloader) IsHotReloadEnabled() bool { return m.hotReloadEnabled }
func (m *MockConfigReloader) GetComponentName() string { return m.componentName }

func (m *MockConfigReloader) GetReloadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reloadCount
}

func (m *MockConfigReloader) SetReloadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadError = err
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func waitForReloads(t *testing.T, m *MockConfigReloader, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetReloadCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least %d reloads, got %d", want, m.GetReloadCount())
}

func TestNewFileWatcherDefaults(t *testing.T) {
	reloader := NewMockConfigReloader("/test/gateway.yaml", "gateway", true)
	fw := NewFileWatcher(reloader, HotReloadConfig{})

	if fw.debounceDelay != 100*time.Millisecond {
		t.Errorf("expected default debounce 100ms, got %v", fw.debounceDelay)
	}
	if fw.minInterval != 500*time.Millisecond {
		t.Errorf("expected default min interval 500ms, got %v", fw.minInterval)
	}
	if fw.Running() {
		t.Error("watcher should not be running before Start")
	}
}

func TestFileWatcherStart(t *testing.T) {
	tests := []struct {
		name        string
		enabled     bool
		path        func(t *testing.T) string
		wantErr     bool
		wantRunning bool
	}{
		{"hot reload disabled", false, func(t *testing.T) string { return createTempConfigFile(t, "a") }, false, false},
		{"missing config file", true, func(t *testing.T) string { return "/nonexistent/gateway.yaml" }, true, false},
		{"valid config file", true, func(t *testing.T) string { return createTempConfigFile(t, "a") }, false, true},
		{"signal only", true, func(t *testing.T) string { return "" }, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reloader := NewMockConfigReloader(tt.path(t), "gateway", tt.enabled)
			fw := NewFileWatcher(reloader, HotReloadConfig{})
			err := fw.Start(true, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			if fw.Running() != tt.wantRunning {
				t.Errorf("Running() = %v, want %v", fw.Running(), tt.wantRunning)
			}
			if err := fw.Stop(); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
		})
	}
}

func TestFileWatcherDoubleStart(t *testing.T) {
	reloader := NewMockConfigReloader(createTempConfigFile(t, "a"), "gateway", true)
	fw := NewFileWatcher(reloader, HotReloadConfig{})
	if err := fw.Start(true, ""); err != nil {
		t.Fatalf("first Start() failed: %v", err)
	}
	defer fw.Stop()
	if err := fw.Start(true, ""); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestFileWatcherReloadsOnWrite(t *testing.T) {
	path := createTempConfigFile(t, "gateway: {}\n")
	reloader := NewMockConfigReloader(path, "gateway", true)
	fw := NewFileWatcher(reloader, HotReloadConfig{DebounceDelay: 20 * time.Millisecond, MinInterval: time.Millisecond})
	if err := fw.Start(true, ""); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	time.Sleep(10 * time.Millisecond)
	// A burst of writes is debounced into one reload.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(fmt.Sprintf("gateway: {buffer_size: %d}\n", i+1)), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	waitForReloads(t, reloader, 1)
	time.Sleep(100 * time.Millisecond)
	if got := reloader.GetReloadCount(); got != 1 {
		t.Errorf("expected 1 debounced reload, got %d", got)
	}
}

func TestFileWatcherRateLimit(t *testing.T) {
	reloader := NewMockConfigReloader("", "gateway", true)
	fw := NewFileWatcher(reloader, HotReloadConfig{MinInterval: time.Hour})
	fw.lastReload = time.Now()

	if err := fw.reload(false); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	if reloader.GetReloadCount() != 0 {
		t.Error("rate limited reload should be skipped")
	}
	if err := fw.Trigger(); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if reloader.GetReloadCount() != 1 {
		t.Error("Trigger should bypass the rate limit")
	}
}

func TestFileWatcherTriggerPropagatesError(t *testing.T) {
	reloader := NewMockConfigReloader("", "gateway", true)
	reloader.SetReloadError(fmt.Errorf("bad yaml"))
	fw := NewFileWatcher(reloader, HotReloadConfig{})
	if err := fw.Trigger(); err == nil {
		t.Error("expected the reloader error")
	}
}

func TestFileWatcherSignal(t *testing.T) {
	reloader := NewMockConfigReloader("", "gateway", true)
	fw := NewFileWatcher(reloader, HotReloadConfig{})
	if err := fw.Start(false, "SIGUSR2"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	waitForReloads(t, reloader, 1)
}

func TestParseReloadSignal(t *testing.T) {
	tests := []struct {
		name   string
		want   os.Signal
		wantOK bool
	}{
		{"", nil, true},
		{"SIGHUP", syscall.SIGHUP, true},
		{"sigusr1", syscall.SIGUSR1, true},
		{"SIGUSR2", syscall.SIGUSR2, true},
		{"SIGKILL", nil, false},
		{"HUP", nil, false},
	}
	for _, tt := range tests {
		got, ok := ParseReloadSignal(tt.name)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseReloadSignal(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDefaultHotReloadConfig(t *testing.T) {
	cfg := DefaultHotReloadConfig()
	if !cfg.Enabled || !cfg.WatchConfig {
		t.Error("hot reload should be enabled by default")
	}
	if cfg.ReloadSignal != "SIGHUP" {
		t.Errorf("expected SIGHUP, got %s", cfg.ReloadSignal)
	}
}
