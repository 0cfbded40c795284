package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher holds the active configuration and swaps it when the backing file
// changes. Readers call Current at the start of each unit of work, so a
// reload takes effect between cycles.
type Watcher struct {
	v       *viper.Viper
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads the initial configuration. An invalid initial
// configuration is an error; later invalid reloads are logged and ignored.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, path: path, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

// Static returns a Watcher that always serves cfg. Used by tests and by
// embedders that manage configuration themselves.
func Static(cfg *Config) *Watcher {
	w := &Watcher{logger: slog.Default()}
	w.current.Store(cfg)
	return w
}

// Current returns the active configuration. The returned value must be
// treated as read-only.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins watching the config file. It is a no-op without a file.
func (w *Watcher) Start() {
	if w.v == nil || w.path == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.logger.Info("config file changed", "path", e.Name, "op", e.Op.String())
		w.reload()
	})
	w.v.WatchConfig()
	w.logger.Info("watching config file", "path", w.path)
}

// Update validates cfg and makes it the active configuration.
func (w *Watcher) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.swap(cfg)
	return nil
}

func (w *Watcher) reload() {
	cfg, err := decode(w.v)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous config", "error", err)
		return
	}
	w.swap(cfg)
	w.logger.Info("config reloaded", "version", cfg.Version)
}

func (w *Watcher) swap(cfg *Config) {
	w.current.Store(cfg)
	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
