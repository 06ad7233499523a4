package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// ConfigManager loads, validates, and hot-reloads the supervisor's YAML
// configuration, layering viper defaults, the file, and environment
// overrides, with fsnotify watching the file when hot reload is on.
type ConfigManager struct {
	config          *Config
	configPath      string
	updateCallbacks []func(*Config)
	watcher         *fsnotify.Watcher
	watcherActive   int32
	watcherLock     sync.RWMutex
	lock            sync.RWMutex
	defaultConfig   *Config
	logger          *logging.Logger
	stopChan        chan struct{}
	wg              sync.WaitGroup
}

// CreateConfigManager constructs a ConfigManager with built-in defaults.
func CreateConfigManager() *ConfigManager {
	return &ConfigManager{
		updateCallbacks: make([]func(*Config), 0),
		defaultConfig:   getDefaultConfig(),
		logger:          logging.GetLogger("config-manager"),
		stopChan:        make(chan struct{}, 5),
	}
}

// LoadConfig loads configuration from a YAML file with CAPTURESVC_*
// environment variable overrides, validates it, and stores it.
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	cm.logger.WithFields(logging.Fields{"config_path": configPath}).Info("loading configuration")

	if err := cm.validateConfigFile(configPath); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	cm.setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CAPTURESVC")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read configuration file %q: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cm.validateFinalConfiguration(&cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	oldConfig := cm.config
	cm.config = &cfg
	cm.configPath = configPath

	if os.Getenv("CAPTURESVC_ENABLE_HOT_RELOAD") == "true" {
		if err := cm.startFileWatching(); err != nil {
			cm.logger.WithError(err).Warn("failed to start file watching, hot reload disabled")
		}
	}

	cm.notifyConfigUpdated(oldConfig, &cfg)
	cm.logger.Info("configuration loaded successfully")
	return nil
}

func (cm *ConfigManager) validateConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %q", configPath)
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("cannot read configuration file %q: %w", configPath, err)
	}
	if len(content) == 0 {
		return fmt.Errorf("configuration file is empty: %q", configPath)
	}
	hasContent := false
	for _, line := range strings.Split(string(content), "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		hasContent = true
		break
	}
	if !hasContent {
		return fmt.Errorf("configuration file contains only comments: %q", configPath)
	}
	return nil
}

func (cm *ConfigManager) validateFinalConfiguration(cfg *Config) error {
	if strings.TrimSpace(cfg.Supervisor.OutputDir) == "" {
		return fmt.Errorf("supervisor.output_dir cannot be empty")
	}
	validModes := []string{"gui", "headless", "slave", "interactive", "demo"}
	modeOK := false
	for _, m := range validModes {
		if cfg.Supervisor.Mode == m {
			modeOK = true
			break
		}
	}
	if !modeOK {
		return fmt.Errorf("supervisor.mode must be one of %v, got %q", validModes, cfg.Supervisor.Mode)
	}
	if cfg.Supervisor.ResolutionPreset < 0 || cfg.Supervisor.ResolutionPreset >= len(ResolutionPresets) {
		return fmt.Errorf("supervisor.resolution_preset must be 0..%d, got %d", len(ResolutionPresets)-1, cfg.Supervisor.ResolutionPreset)
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error", "fatal", "panic", "critical"}
	levelOK := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Logging.Level) == l {
			levelOK = true
			break
		}
	}
	if !levelOK {
		return fmt.Errorf("logging.level must be one of %v, got %q", validLevels, cfg.Logging.Level)
	}

	if cfg.Storage.WarnPercent < 0 || cfg.Storage.WarnPercent > 100 {
		return fmt.Errorf("storage.warn_percent must be 0..100, got %d", cfg.Storage.WarnPercent)
	}
	if cfg.Storage.BlockPercent < 0 || cfg.Storage.BlockPercent > 100 {
		return fmt.Errorf("storage.block_percent must be 0..100, got %d", cfg.Storage.BlockPercent)
	}
	if cfg.Storage.WarnPercent >= cfg.Storage.BlockPercent {
		return fmt.Errorf("storage.warn_percent (%d) must be less than block_percent (%d)", cfg.Storage.WarnPercent, cfg.Storage.BlockPercent)
	}

	return nil
}

func (cm *ConfigManager) startFileWatching() error {
	cm.stopFileWatching()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	cm.watcherLock.Lock()
	cm.watcher = watcher
	cm.watcherLock.Unlock()

	dir := filepath.Dir(cm.configPath)
	if err := cm.watcher.Add(dir); err != nil {
		cm.watcher.Close()
		cm.watcherLock.Lock()
		cm.watcher = nil
		cm.watcherLock.Unlock()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	atomic.StoreInt32(&cm.watcherActive, 1)
	cm.wg.Add(1)
	go cm.watchFileChanges()

	cm.logger.WithFields(logging.Fields{"config_path": cm.configPath, "watch_dir": dir}).Info("file watching started for hot reload")
	return nil
}

func (cm *ConfigManager) stopFileWatching() {
	atomic.StoreInt32(&cm.watcherActive, 0)
	cm.watcherLock.Lock()
	defer cm.watcherLock.Unlock()
	if cm.watcher != nil {
		if err := cm.watcher.Close(); err != nil {
			cm.logger.WithError(err).Warn("error closing file watcher")
		}
		cm.watcher = nil
	}
}

func (cm *ConfigManager) watchFileChanges() {
	defer cm.wg.Done()

	var reloadTimer *time.Timer
	for {
		select {
		case <-cm.stopChan:
			return
		default:
		}
		if atomic.LoadInt32(&cm.watcherActive) == 0 {
			return
		}

		cm.watcherLock.RLock()
		if cm.watcher == nil {
			cm.watcherLock.RUnlock()
			return
		}
		events := cm.watcher.Events
		errs := cm.watcher.Errors
		cm.watcherLock.RUnlock()

		select {
		case <-cm.stopChan:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Name != cm.configPath {
				continue
			}
			switch event.Op {
			case fsnotify.Write, fsnotify.Create:
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(100*time.Millisecond, cm.reloadConfiguration)
			case fsnotify.Remove:
				cm.logger.Warn("configuration file was removed, hot reload disabled")
				cm.stopFileWatching()
				return
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			cm.logger.WithError(err).Error("file watcher error")
		case <-time.After(100 * time.Millisecond):
			continue
		}
	}
}

func (cm *ConfigManager) reloadConfiguration() {
	cm.logger.Info("reloading configuration due to file change")
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Warn("configuration file no longer exists, stopping hot reload")
		cm.stopFileWatching()
		return
	}
	if err := cm.LoadConfig(cm.configPath); err != nil {
		cm.logger.WithError(err).Error("failed to reload configuration")
	}
}

// Stop shuts down the config manager's background watcher.
func (cm *ConfigManager) Stop(ctx context.Context) error {
	select {
	case <-cm.stopChan:
	default:
		close(cm.stopChan)
	}
	cm.stopFileWatching()

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConfig returns the current configuration, or built-in defaults if
// none has been loaded yet.
func (cm *ConfigManager) GetConfig() *Config {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	if cm.config == nil {
		return cm.defaultConfig
	}
	return cm.config
}

// AddUpdateCallback registers a callback invoked (concurrently, one
// goroutine per callback) whenever LoadConfig successfully reloads.
func (cm *ConfigManager) AddUpdateCallback(callback func(*Config)) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	cm.updateCallbacks = append(cm.updateCallbacks, callback)
}

// RegisterLoggingConfigurationUpdates wires the logging package's global
// configuration to this manager's reload callbacks.
func (cm *ConfigManager) RegisterLoggingConfigurationUpdates() {
	cm.AddUpdateCallback(func(newConfig *Config) {
		if newConfig == nil {
			return
		}
		loggingConfig := &logging.LoggingConfig{
			Level:          newConfig.Logging.Level,
			Format:         newConfig.Logging.Format,
			FileEnabled:    newConfig.Logging.FileEnabled,
			FilePath:       newConfig.Logging.FilePath,
			MaxFileSize:    int(newConfig.Logging.MaxFileSize),
			BackupCount:    newConfig.Logging.BackupCount,
			ConsoleEnabled: newConfig.Logging.ConsoleEnabled,
		}
		if err := logging.ConfigureGlobalLogging(loggingConfig); err != nil {
			cm.logger.WithError(err).Error("failed to update logging configuration")
			return
		}
		cm.logger.Info("logging configuration updated")
	})
}

func (cm *ConfigManager) setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.output_dir", "./sessions")
	v.SetDefault("supervisor.log_level", "info")
	v.SetDefault("supervisor.log_file", "")
	v.SetDefault("supervisor.mode", "headless")
	v.SetDefault("supervisor.session_prefix", "session")
	v.SetDefault("supervisor.console", true)
	v.SetDefault("supervisor.auto_start_recording", false)
	v.SetDefault("supervisor.enable_commands", true)
	v.SetDefault("supervisor.window_geometry", "")
	v.SetDefault("supervisor.resolution_preset", 2)
	v.SetDefault("supervisor.target_fps", 30.0)
	v.SetDefault("supervisor.sample_rate", 44100)
	v.SetDefault("supervisor.modules_dir", "./modules")
	v.SetDefault("supervisor.state_dir", defaultStateDir())
	v.SetDefault("supervisor.start_timeout", "15s")
	v.SetDefault("supervisor.stop_timeout", "5s")
	v.SetDefault("supervisor.term_grace", "2s")
	v.SetDefault("supervisor.cleanup_timeout", "2s")

	v.SetDefault("storage.warn_percent", 80)
	v.SetDefault("storage.block_percent", 90)
	v.SetDefault("storage.default_path", "./sessions")
	v.SetDefault("storage.fallback_path", "/tmp/sessions")
	v.SetDefault("storage.check_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file_enabled", true)
	v.SetDefault("logging.file_path", "./logs/supervisor.log")
	v.SetDefault("logging.max_file_size", 5242880)
	v.SetDefault("logging.backup_count", 3)
	v.SetDefault("logging.console_enabled", true)

	v.SetDefault("http_health.enabled", true)
	v.SetDefault("http_health.host", "127.0.0.1")
	v.SetDefault("http_health.port", 8080)
	v.SetDefault("http_health.read_timeout", "5s")
	v.SetDefault("http_health.write_timeout", "5s")
	v.SetDefault("http_health.idle_timeout", "30s")
	v.SetDefault("http_health.basic_endpoint", "/healthz")
	v.SetDefault("http_health.detailed_endpoint", "/healthz/detailed")
	v.SetDefault("http_health.ready_endpoint", "/healthz/ready")
	v.SetDefault("http_health.live_endpoint", "/healthz/live")
	v.SetDefault("http_health.metrics_endpoint", "/metrics")
	v.SetDefault("http_health.enable_metrics", true)
}

func (cm *ConfigManager) notifyConfigUpdated(oldConfig, newConfig *Config) {
	_ = oldConfig
	var wg sync.WaitGroup
	for _, callback := range cm.updateCallbacks {
		wg.Add(1)
		go func(cb func(*Config)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					cm.logger.WithFields(logging.Fields{"panic": r}).Error("panic in config callback")
				}
			}()
			cb(newConfig)
		}(callback)
	}
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		wg.Wait()
	}()
}

func getDefaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			OutputDir:        "./sessions",
			LogLevel:         "info",
			Mode:             "headless",
			SessionPrefix:    "session",
			Console:          true,
			EnableCommands:   true,
			ResolutionPreset: 2,
			TargetFPS:        30,
			SampleRate:       44100,
			ModulesDir:       "./modules",
			StateDir:         defaultStateDir(),
			StartTimeout:     15 * time.Second,
			StopTimeout:      5 * time.Second,
			TermGrace:        2 * time.Second,
			CleanupTimeout:   2 * time.Second,
		},
		Storage: StorageConfig{
			WarnPercent:   80,
			BlockPercent:  90,
			DefaultPath:   "./sessions",
			FallbackPath:  "/tmp/sessions",
			CheckInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			FileEnabled:    true,
			FilePath:       "./logs/supervisor.log",
			MaxFileSize:    5242880,
			BackupCount:    3,
			ConsoleEnabled: true,
		},
		HTTPHealth: HTTPHealthConfig{
			Enabled:          true,
			Host:             "127.0.0.1",
			Port:             8080,
			ReadTimeout:      "5s",
			WriteTimeout:     "5s",
			IdleTimeout:      "30s",
			BasicEndpoint:    "/healthz",
			DetailedEndpoint: "/healthz/detailed",
			ReadyEndpoint:    "/healthz/ready",
			LiveEndpoint:     "/healthz/live",
			MetricsEndpoint:  "/metrics",
			EnableMetrics:    true,
		},
	}
}

// defaultStateDir resolves the user-scoped state directory: prefer
// XDG_STATE_HOME, falling back to ~/.local/state, never the install
// directory (which may be read-only).
func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "capturesvc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "capturesvc-state")
	}
	return filepath.Join(home, ".local", "state", "capturesvc")
}
