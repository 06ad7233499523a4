package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields aliases logrus.Fields so callers never import logrus directly.
type Fields = logrus.Fields

// Logger is a component-tagged logrus logger. The WithX helpers return
// logrus entries that carry the component tag plus any chained fields,
// so field chains never lose context.
type Logger struct {
	*logrus.Logger
	component string
}

// LoggingConfig mirrors config.LoggingConfig field-for-field so the
// supervisor translates straight through.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"` // text|json
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSize    int    `mapstructure:"max_file_size"` // bytes
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// NewLogger creates a logger tagged with component, using the text
// formatter until SetupLogging or the factory reconfigures it.
func NewLogger(component string) *Logger {
	l := &Logger{
		Logger:    logrus.New(),
		component: component,
	}
	l.SetFormatter(textFormatter())
	return l
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithField returns an entry carrying the component tag and one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry carrying the component tag and fields.
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry carrying the component tag and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

// correlationKey is the context key type for correlation IDs; a private
// type avoids collisions with other packages' context values.
type correlationKey struct{}

// GenerateCorrelationID returns a fresh UUID for request tracing.
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID stores id in ctx for later extraction.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext extracts the correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext returns an entry tagged with the context's correlation ID
// when one is present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	e := l.entry()
	if id := CorrelationIDFromContext(ctx); id != "" {
		e = e.WithField("correlation_id", id)
	}
	return e
}

// applyConfig configures level, formatter, and outputs on one logger.
// Console and file outputs compose through a MultiWriter rather than
// one overwriting the other.
func applyConfig(l *Logger, config *LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(config.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000"})
	} else {
		l.SetFormatter(textFormatter())
	}

	var writers []io.Writer
	if config.ConsoleEnabled {
		writers = append(writers, os.Stdout)
	}
	if config.FileEnabled && config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return fmt.Errorf("logging: create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    bytesToMB(config.MaxFileSize),
			MaxBackups: config.BackupCount,
			MaxAge:     30,
			Compress:   true,
		})
	}
	switch len(writers) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(writers[0])
	default:
		l.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}

func bytesToMB(n int) int {
	mb := n / (1024 * 1024)
	if mb <= 0 {
		mb = 5
	}
	return mb
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// SetupLogging configures the process-wide logging defaults. Loggers
// already created by the factory are reconfigured in place.
func SetupLogging(config *LoggingConfig) error {
	return ConfigureGlobalLogging(config)
}
