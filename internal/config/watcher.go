package config

import (
	"context"
	"os"
	"sync"
	"time"

	"peerchat/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and reloads it when it changes.
// Only settings that can change at runtime are acted on by callbacks; the
// listen address and database are fixed for the life of the process.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	modTime    time.Time
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a watcher for configPath seeded with the already
// loaded config.
func NewConfigWatcher(configPath string, initial *models.Config, interval time.Duration, logger *logrus.Logger) *ConfigWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	cw := &ConfigWatcher{
		configPath: configPath,
		interval:   interval,
		logger:     logger,
		config:     initial,
	}
	if stat, err := os.Stat(configPath); err == nil {
		cw.modTime = stat.ModTime()
	}
	return cw
}

// Start polls until ctx is done. A config file that does not exist yet is
// picked up once it is created.
func (cw *ConfigWatcher) Start(ctx context.Context) {
	lastModTime := cw.modTime

	cw.logger.WithField("path", cw.configPath).Debug("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Debug("Configuration watcher stopping")
			return

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				continue
			}

			if stat.ModTime().After(lastModTime) {
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after each successful reload.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded")
	cw.logConfigChanges(oldConfig, newConfig)

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			callback(newConfig)
		}()
	}
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Node != new.Node || old.Database != new.Database {
		cw.logger.Warn("Node or database settings changed; restart to apply")
	}
}

// LogLevelUpdater returns a callback that applies log_level changes to logger.
// The verbose flag pins the logger at debug.
func LogLevelUpdater(logger *logrus.Logger, verbose bool) func(*models.Config) {
	return func(c *models.Config) {
		if verbose || c.LogLevel == "" {
			return
		}
		if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}
}
