package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds configuration for the config watcher
type WatcherConfig struct {
	// Debounce duration to avoid multiple rapid reloads
	DebounceDuration time.Duration
	// OnChange receives the previous and the newly loaded configuration
	OnChange func(prev, next *Config)
	// OnError is called when a reload fails
	OnError func(error)
}

// DefaultWatcherConfig returns default watcher configuration
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceDuration: 500 * time.Millisecond,
	}
}

// Watcher monitors the configuration file. Only settings that are safe to
// change at runtime should be applied by OnChange.
type Watcher struct {
	configPath string
	config     *WatcherConfig
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	current   *Config
	debouncer *time.Timer
}

// NewWatcher creates a new configuration watcher. current is the
// configuration the process is running with.
func NewWatcher(configPath string, current *Config, config *WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if config == nil {
		config = DefaultWatcherConfig()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		configPath: absPath,
		config:     config,
		watcher:    watcher,
		logger:     logger.With("component", "config-watcher"),
		stopCh:     make(chan struct{}),
		current:    current,
	}

	// Watch the directory so atomic replace-by-rename is seen too
	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return w, nil
}

// Start begins watching for configuration changes
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("configuration watcher started", "file", w.configPath)
}

// Stop stops the configuration watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(fmt.Errorf("watcher error: %w", err))
			}

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.configPath {
		return
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
		w.logger.Debug("config file changed", "file", event.Name, "op", event.Op.String())
		w.scheduleReload()
	case event.Has(fsnotify.Remove):
		w.logger.Warn("config file removed", "file", event.Name)
	}
}

// scheduleReload debounces reload requests
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debouncer != nil {
		w.debouncer.Stop()
	}

	w.debouncer = time.AfterFunc(w.config.DebounceDuration, func() {
		if err := w.reload(); err != nil {
			w.logger.Error("config reload failed", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(err)
			}
		}
	})
}

func (w *Watcher) reload() error {
	next, err := Load(w.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if w.config.OnChange != nil {
		w.config.OnChange(prev, next)
	}

	w.logger.Info("configuration reloaded", "file", w.configPath)
	return nil
}

// Current returns the most recently loaded configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// ApplyLogLevel returns an OnChange callback that applies log.level to
// level at runtime and warns about settings that need a restart
func ApplyLogLevel(level *slog.LevelVar, logger *slog.Logger) func(prev, next *Config) {
	return func(prev, next *Config) {
		if lvl, err := ParseLevel(next.Log.Level); err == nil && lvl != level.Level() {
			level.Set(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}

		if prev == nil {
			return
		}
		if prev.RateLimit != next.RateLimit || prev.Redis != next.Redis {
			logger.Warn("rate limit settings changed on disk; restart to apply them",
				"requests", next.RateLimit.Requests,
				"window", next.RateLimit.Window)
		}
		if prev.Server != next.Server || prev.GRPC != next.GRPC {
			logger.Warn("listener settings changed on disk; restart to apply them")
		}
	}
}
