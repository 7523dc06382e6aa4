package common

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/fsnotify/fsnotify"
)

var reloadLog = logger.WithComponent("hotreload")

// HotReloadConfig controls reloading of the server/path table at runtime
type HotReloadConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	WatchConfig   bool          `yaml:"watch_config,omitempty"`
	ReloadSignal  string        `yaml:"reload_signal,omitempty"`
	DebounceDelay time.Duration `yaml:"debounce_delay,omitempty"`
	MinInterval   time.Duration `yaml:"min_interval,omitempty"`
}

// ConfigReloader is implemented by components whose configuration can be swapped live
type ConfigReloader interface {
	// ReloadConfig re-reads the configuration file and applies it
	ReloadConfig() error
	// GetConfigPath returns the path to the configuration file being watched
	GetConfigPath() string
	// IsHotReloadEnabled returns whether hot reload is enabled
	IsHotReloadEnabled() bool
	// GetComponentName returns the name of the component (for logging)
	GetComponentName() string
}

// FileWatcher triggers ReloadConfig when the configuration file changes or a
// reload signal arrives
type FileWatcher struct {
	reloader      ConfigReloader
	watcher       *fsnotify.Watcher
	mu            sync.Mutex
	running       bool
	debounceTimer *time.Timer
	debounceDelay time.Duration
	minInterval   time.Duration
	lastReload    time.Time
	signals       chan os.Signal
	stop          chan struct{}
}

// NewFileWatcher creates a watcher for the given reloader
func NewFileWatcher(reloader ConfigReloader, cfg HotReloadConfig) *FileWatcher {
	fw := &FileWatcher{
		reloader:      reloader,
		debounceDelay: cfg.DebounceDelay,
		minInterval:   cfg.MinInterval,
	}
	if fw.debounceDelay <= 0 {
		fw.debounceDelay = 100 * time.Millisecond
	}
	if fw.minInterval <= 0 {
		fw.minInterval = 500 * time.Millisecond
	}
	return fw
}

// Start begins watching the configuration file. watchFile=false only
// installs the signal handler.
func (fw *FileWatcher) Start(watchFile bool, reloadSignal string) error {
	name := fw.reloader.GetComponentName()
	if !fw.reloader.IsHotReloadEnabled() {
		reloadLog.Info("🔥 Hot reload disabled for %s", name)
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return fmt.Errorf("file watcher already running")
	}
	fw.stop = make(chan struct{})

	configPath := fw.reloader.GetConfigPath()
	if watchFile && configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config file watcher: %w", err)
		}
		if err := watcher.Add(configPath); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch config file %s: %w", configPath, err)
		}
		// Editors often write a temp file and rename it over the original.
		if err := watcher.Add(filepath.Dir(configPath)); err != nil {
			reloadLog.Warn("⚠️  Failed to watch config directory %s: %v", filepath.Dir(configPath), err)
		}
		fw.watcher = watcher
		go fw.watchLoop(watcher, configPath)
		reloadLog.Info("🔥 Watching %s for %s", configPath, name)
	}

	if sig, ok := ParseReloadSignal(reloadSignal); ok && sig != nil {
		fw.signals = make(chan os.Signal, 1)
		signal.Notify(fw.signals, sig)
		go fw.signalLoop(fw.signals, fw.stop)
		reloadLog.Info("🔥 %s triggers a reload of %s", strings.ToUpper(reloadSignal), name)
	}

	fw.running = true
	fw.lastReload = time.Now()
	return nil
}

// Stop stops watching and cancels a pending reload
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.running {
		return nil
	}
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
		fw.debounceTimer = nil
	}
	if fw.signals != nil {
		signal.Stop(fw.signals)
		fw.signals = nil
	}
	close(fw.stop)
	var err error
	if fw.watcher != nil {
		err = fw.watcher.Close()
		fw.watcher = nil
	}
	fw.running = false
	reloadLog.Info("🔥 Hot reload stopped for %s", fw.reloader.GetComponentName())
	return err
}

// Running reports whether the watcher is active
func (fw *FileWatcher) Running() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) watchLoop(watcher *fsnotify.Watcher, configPath string) {
	base := filepath.Base(configPath)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if event.Name == configPath || filepath.Base(event.Name) == base {
				reloadLog.Debug("🔥 Config file changed: %s (%s)", event.Name, event.Op.String())
				fw.scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			reloadLog.Error("🔥 Config watcher error for %s: %v", fw.reloader.GetComponentName(), err)
		}
	}
}

func (fw *FileWatcher) signalLoop(signals <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-signals:
			if err := fw.Trigger(); err != nil {
				reloadLog.Error("❌ Signal-triggered reload failed: %v", err)
			}
		case <-stop:
			return
		}
	}
}

// scheduleReload coalesces bursts of file events into one reload
func (fw *FileWatcher) scheduleReload() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debounceDelay, func() {
		if err := fw.reload(false); err != nil {
			reloadLog.Error("❌ Failed to reload config for %s: %v", fw.reloader.GetComponentName(), err)
		}
	})
}

// Trigger reloads immediately, bypassing the rate limit
func (fw *FileWatcher) Trigger() error {
	return fw.reload(true)
}

func (fw *FileWatcher) reload(force bool) error {
	fw.mu.Lock()
	if !force && time.Since(fw.lastReload) < fw.minInterval {
		fw.mu.Unlock()
		reloadLog.Debug("🔥 Skipping reload of %s (rate limited)", fw.reloader.GetComponentName())
		return nil
	}
	fw.lastReload = time.Now()
	fw.mu.Unlock()

	start := time.Now()
	reloadLog.Info("🔄 Reloading configuration for %s from %s", fw.reloader.GetComponentName(), fw.reloader.GetConfigPath())
	if err := fw.reloader.ReloadConfig(); err != nil {
		return err
	}
	reloadLog.Info("✅ Configuration reloaded for %s (took %v)", fw.reloader.GetComponentName(), time.Since(start).Round(time.Millisecond))
	return nil
}

// ParseReloadSignal maps a signal name to the signal. An empty name is valid
// and yields nil.
func ParseReloadSignal(name string) (os.Signal, bool) {
	switch strings.ToUpper(name) {
	case "":
		return nil, true
	case "SIGHUP":
		return syscall.SIGHUP, true
	case "SIGUSR1":
		return syscall.SIGUSR1, true
	case "SIGUSR2":
		return syscall.SIGUSR2, true
	default:
		return nil, false
	}
}

// DefaultHotReloadConfig returns default hot reload configuration
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:       true,
		WatchConfig:   true,
		ReloadSignal:  "SIGHUP",
		DebounceDelay: 100 * time.Millisecond,
		MinInterval:   500 * time.Millisecond,
	}
}
