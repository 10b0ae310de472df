package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the newly loaded configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration when the file changes or on SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path. With an empty path only SIGHUP
// triggers a reload.
func NewConfigReloader(path string, current *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: current,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are still seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function called after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start processes file and signal events until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors emit several events per save.
			debounce = time.After(50 * time.Millisecond)
		case <-debounce:
			debounce = nil
			r.reload("file change")
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop stops watching for changes.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	if r.path == "" {
		r.logger.WithField("trigger", trigger).Warn("Config reload requested but no config file is set")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload failed, keeping current configuration")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateReloadSafety(r.current, next); err != nil {
		r.logger.WithError(err).Error("Config reload rejected")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(r.current.Clone(), next.Clone()); err != nil {
			r.logger.WithError(err).Error("Config reload callback failed")
			return
		}
	}
	r.current = next
	r.logger.WithField("trigger", trigger).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that only take effect after a restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.TLS.Enabled != new.TLS.Enabled {
		return fmt.Errorf("tls.enabled cannot be changed during hot reload")
	}
	if old.TLS.CertFile != new.TLS.CertFile || old.TLS.KeyFile != new.TLS.KeyFile {
		return fmt.Errorf("tls certificate files cannot be changed during hot reload")
	}
	if old.Tracing.Enabled != new.Tracing.Enabled {
		return fmt.Errorf("tracing.enabled cannot be changed during hot reload")
	}
	if old.Tracing.Exporter != new.Tracing.Exporter {
		return fmt.Errorf("tracing.exporter cannot be changed during hot reload")
	}
	if old.Server != new.Server {
		return fmt.Errorf("server cannot be changed during hot reload")
	}
	return nil
}
