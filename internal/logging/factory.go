package logging

import (
	"sync"
)

// loggerFactory hands out component loggers and keeps a registry so a
// configuration reload restyles every logger already in use, not only
// the ones created afterwards.
type loggerFactory struct {
	mu      sync.Mutex
	config  *LoggingConfig
	loggers map[string]*Logger
}

var factory = &loggerFactory{
	config: &LoggingConfig{
		Level:          "info",
		Format:         "text",
		ConsoleEnabled: true,
	},
	loggers: make(map[string]*Logger),
}

// GetLogger returns the shared logger for component, creating it with
// the current global configuration on first use.
func GetLogger(component string) *Logger {
	factory.mu.Lock()
	defer factory.mu.Unlock()

	if l, ok := factory.loggers[component]; ok {
		return l
	}
	l := NewLogger(component)
	_ = applyConfig(l, factory.config)
	factory.loggers[component] = l
	return l
}

// ConfigureGlobalLogging replaces the global configuration and
// reconfigures every logger handed out so far.
func ConfigureGlobalLogging(config *LoggingConfig) error {
	if config == nil {
		return nil
	}
	factory.mu.Lock()
	defer factory.mu.Unlock()

	factory.config = config
	for _, l := range factory.loggers {
		if err := applyConfig(l, config); err != nil {
			return err
		}
	}
	return nil
}
