package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ConfigWatcher monitors the .env file for changes and updates runtime config
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.RWMutex

	onProviderChange func(ProviderConfig)
	debounce         time.Duration
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:   config,
		envPath:  config.EnvPath(),
		watcher:  watcher,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}

	if stat, err := os.Stat(cw.envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}

	return cw, nil
}

// OnProviderChange registers the callback invoked when the provider selection changes.
func (cw *ConfigWatcher) OnProviderChange(callback func(ProviderConfig)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onProviderChange = callback
}

// Start begins watching the config file
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		log.Warn().Msg("Falling back to polling for config changes")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig manually triggers a config reload (e.g., from SIGHUP)
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(cw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes
func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(cw.envPath); err == nil {
				if stat.ModTime().After(cw.lastModTime) {
					log.Info().Msg("Detected .env file change via polling")
					cw.lastModTime = stat.ModTime()
					cw.reloadConfig()
				}
			}
		case <-cw.stopChan:
			return
		}
	}
}

// reloadConfig re-reads the .env file and applies the settings that can
// change at runtime: log level, admin list, API keys and provider selection.
func (cw *ConfigWatcher) reloadConfig() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}
	getenv := func(key string) string {
		if v, ok := envMap[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	cw.mu.Lock()

	next := *cw.config
	next.APIKeys = make(map[string]string)
	next.EnvOverrides = make(map[string]bool)
	if err := next.applyEnv(getenv); err != nil {
		cw.mu.Unlock()
		log.Error().Err(err).Msg("Ignoring invalid .env change")
		return
	}
	if err := next.Provider.Validate(); err != nil {
		cw.mu.Unlock()
		log.Error().Err(err).Msg("Ignoring invalid provider change")
		return
	}

	var changes []string
	if next.LogLevel != cw.config.LogLevel {
		changes = append(changes, "log level")
	}
	if !equalStrings(next.AdminIDs, cw.config.AdminIDs) {
		changes = append(changes, "admin list")
	}
	providerChanged := next.Provider.Name != cw.config.Provider.Name ||
		next.Provider.Model != cw.config.Provider.Model ||
		next.Provider.BaseURL != cw.config.Provider.BaseURL ||
		ResolveCredential(next.Provider.Credential) != ResolveCredential(cw.config.Provider.Credential)
	if providerChanged {
		changes = append(changes, "provider")
	}

	cw.config.LogLevel = next.LogLevel
	cw.config.AdminIDs = next.AdminIDs
	cw.config.APIKeys = next.APIKeys
	cw.config.Provider = next.Provider
	callback := cw.onProviderChange
	provider := next.Provider
	cw.mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}

	log.Info().
		Strs("changes", changes).
		Str("provider", provider.Name).
		Str("model", provider.Model).
		Msg("Applied .env file changes to runtime config")

	if providerChanged && callback != nil {
		callback(provider)
	}
}

// IsAdmin reports whether userID is in the current admin list.
func (cw *ConfigWatcher) IsAdmin(userID string) bool {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config.IsAdmin(userID)
}

// Snapshot returns a copy of the watched config.
func (cw *ConfigWatcher) Snapshot() Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return *cw.config
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
