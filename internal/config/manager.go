package config

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
)

// Manager holds the current configuration and reloads it when a file in the
// config directory changes.
type Manager struct {
	mu           sync.RWMutex
	current      *AppConfig
	configDir    string
	onUpdateFunc func(*AppConfig)
	watcher      *fsnotify.Watcher
	done         chan struct{}
	closeOnce    sync.Once
}

func NewManager(configDir string) (*Manager, error) {
	mgr := &Manager{
		configDir: configDir,
		done:      make(chan struct{}),
	}

	if err := mgr.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("failed to create config watcher, hot reload disabled", "error", err)
		return mgr, nil
	}
	if err := watcher.Add(configDir); err != nil {
		slog.Error("failed to watch config dir, hot reload disabled", "dir", configDir, "error", err)
		_ = watcher.Close()
		return mgr, nil
	}
	mgr.watcher = watcher

	go mgr.watch()

	return mgr, nil
}

func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

// Reload keeps the previous configuration when the new one fails to load.
func (m *Manager) Reload() error {
	newConfig, err := LoadAppConfig(m.configDir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = newConfig
	onUpdate := m.onUpdateFunc
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(newConfig)
	}

	metrics.ConfigReloads.Inc()
	slog.Info("configuration reloaded successfully", "dir", m.configDir)
	return nil
}

func (m *Manager) SetUpdateCallback(f func(*AppConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdateFunc = f
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
}

func isConfigFile(name string) bool {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext != ".yaml" && ext != ".json" {
		return false
	}
	return slices.Contains(ConfigFiles, strings.TrimSuffix(base, ext))
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				slog.Info("config file modified", "file", event.Name)
				if err := m.Reload(); err != nil {
					slog.Error("error reloading config", "error", err)
				}
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
