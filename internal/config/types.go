package config

import "time"

// Config is the supervisor's top-level configuration, loaded from YAML
// with environment variable overrides (CAPTURESVC_* prefix) via viper.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTPHealth HTTPHealthConfig `mapstructure:"http_health"`
}

// SupervisorConfig mirrors the CLI surface so flags and YAML keys
// resolve to the same fields; flags override whatever this struct loads
// from YAML.
type SupervisorConfig struct {
	OutputDir          string        `mapstructure:"output_dir"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFile            string        `mapstructure:"log_file"`
	Mode               string        `mapstructure:"mode"` // gui|headless|slave|interactive|demo
	SessionPrefix      string        `mapstructure:"session_prefix"`
	Console            bool          `mapstructure:"console"`
	AutoStartRecording bool          `mapstructure:"auto_start_recording"`
	EnableCommands     bool          `mapstructure:"enable_commands"`
	WindowGeometry     string        `mapstructure:"window_geometry"`
	ResolutionPreset   int           `mapstructure:"resolution_preset"`
	TargetFPS          float64       `mapstructure:"target_fps"`
	SampleRate         int           `mapstructure:"sample_rate"`
	ModulesDir         string        `mapstructure:"modules_dir"`
	StateDir           string        `mapstructure:"state_dir"` // user-scoped state dir, never the install dir
	StartTimeout       time.Duration `mapstructure:"start_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	TermGrace          time.Duration `mapstructure:"term_grace"`
	CleanupTimeout     time.Duration `mapstructure:"cleanup_timeout"`
}

// ResolutionPresets maps the --resolution preset index to WxH.
var ResolutionPresets = [][2]int{
	{1456, 1088}, {1280, 960}, {1280, 720}, {1024, 768},
	{800, 600}, {640, 480}, {480, 360}, {320, 240},
}

// StorageConfig gates session/trial start via the disk guard.
type StorageConfig struct {
	WarnPercent   int           `mapstructure:"warn_percent"`
	BlockPercent  int           `mapstructure:"block_percent"`
	DefaultPath   string        `mapstructure:"default_path"`
	FallbackPath  string        `mapstructure:"fallback_path"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LoggingConfig configures the logrus-based structured logger
// (internal/logging), matching logging.LoggingConfig field-for-field so
// the supervisor can translate straight through.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSize    int64  `mapstructure:"max_file_size"`
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// HTTPHealthConfig configures the liveness/metrics HTTP endpoint. This
// is not a command API; external tools drive the supervisor over stdin
// JSON instead. It exposes the basic, detailed, readiness and liveness
// health endpoints plus /metrics when EnableMetrics is set.
type HTTPHealthConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ReadTimeout      string `mapstructure:"read_timeout"`
	WriteTimeout     string `mapstructure:"write_timeout"`
	IdleTimeout      string `mapstructure:"idle_timeout"`
	BasicEndpoint    string `mapstructure:"basic_endpoint"`
	DetailedEndpoint string `mapstructure:"detailed_endpoint"`
	ReadyEndpoint    string `mapstructure:"ready_endpoint"`
	LiveEndpoint     string `mapstructure:"live_endpoint"`
	MetricsEndpoint  string `mapstructure:"metrics_endpoint"`
	EnableMetrics    bool   `mapstructure:"enable_metrics"`
}
