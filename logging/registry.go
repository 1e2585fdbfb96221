package logging

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// LoggerPatternConfig is an instance of a level specification for a given logger. Patterns are
// dot separated logger names where a `*` section matches anything, e.g. `mapshare.*`.
type LoggerPatternConfig struct {
	Pattern string `json:"pattern" mapstructure:"pattern"`
	Level   string `json:"level" mapstructure:"level"`
}

// e.g. "foo", "foo-bar" or "*", joined by dots.
var loggerPatternRegexp = regexp.MustCompile(
	`^([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*)(\.([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*))*$`)

// Validate returns an error if the pattern or level is malformed.
func (lpc LoggerPatternConfig) Validate() error {
	if !loggerPatternRegexp.MatchString(lpc.Pattern) {
		return fmt.Errorf("invalid logger pattern %q", lpc.Pattern)
	}
	_, err := LevelFromString(lpc.Level)
	return err
}

func buildRegexFromPattern(pattern string) string {
	var matcher strings.Builder
	matcher.WriteRune('^')
	for _, ch := range pattern {
		switch ch {
		case '*':
			matcher.WriteString(`.*`)
		case '.':
			matcher.WriteString(`\.`)
		default:
			matcher.WriteRune(ch)
		}
	}
	matcher.WriteRune('$')
	return matcher.String()
}

// Registry maps logger names to loggers so that their levels can be changed by configuration.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

var globalLoggerRegistry = newRegistry()

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

// levelFor returns the level of the last pattern matching `name`. Must be called with the lock
// held.
func (lr *Registry) levelFor(name string) (Level, bool) {
	level, found := INFO, false
	for _, lpc := range lr.logConfig {
		matched, err := regexp.MatchString(buildRegexFromPattern(lpc.Pattern), name)
		if err != nil || !matched {
			continue
		}
		parsed, err := LevelFromString(lpc.Level)
		if err != nil {
			continue
		}
		level, found = parsed, true
	}
	return level, found
}

// getOrRegister will either return an existing logger for `name` or register the input `logger`
// for it and configure it based on the existing patterns.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}

	lr.loggers[name] = logger
	if level, ok := lr.levelFor(name); ok {
		logger.SetLevel(level)
	}
	return logger
}

func (lr *Registry) deregister(name string) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	_, ok := lr.loggers[name]
	if ok {
		delete(lr.loggers, name)
	}
	return ok
}

func (lr *Registry) loggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

func (lr *Registry) updateLoggerLevel(name string, level Level) error {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	if !ok {
		return fmt.Errorf("logger named %s not recognized", name)
	}
	logger.SetLevel(level)
	return nil
}

// UpdateConfig replaces the pattern configuration and re-levels every registered logger. Loggers
// matched by no pattern go back to INFO.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	valid := make([]LoggerPatternConfig, 0, len(logConfig))
	for _, lpc := range logConfig {
		if err := lpc.Validate(); err != nil {
			errorLogger.Warnw("ignoring logger pattern", "pattern", lpc.Pattern, "error", err)
			continue
		}
		valid = append(valid, lpc)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = valid
	for name, logger := range lr.loggers {
		level, _ := lr.levelFor(name)
		logger.SetLevel(level)
	}
	return nil
}

func (lr *Registry) registeredNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewComponentLogger returns the registered logger for a component name, creating an Info+
// stdout logger on first use.
func NewComponentLogger(name string) Logger {
	return globalLoggerRegistry.getOrRegister(name, NewLogger(name))
}

// RegisterLogger registers a named logger so its level follows the pattern configuration.
func RegisterLogger(name string, logger Logger) Logger {
	return globalLoggerRegistry.getOrRegister(name, logger)
}

// DeregisterLogger removes the logger registered under `name`, reporting whether there was one.
func DeregisterLogger(name string) bool {
	return globalLoggerRegistry.deregister(name)
}

// LoggerNamed returns a logger registered under `name`.
func LoggerNamed(name string) (Logger, bool) {
	return globalLoggerRegistry.loggerNamed(name)
}

// UpdateLoggerLevel sets the level of the registered logger `name`.
func UpdateLoggerLevel(name string, level Level) error {
	return globalLoggerRegistry.updateLoggerLevel(name, level)
}

// UpdateLoggerConfig applies pattern based levels to every registered logger.
func UpdateLoggerConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalLoggerRegistry.UpdateConfig(logConfig, errorLogger)
}

// GetRegisteredLoggerNames returns the sorted names of all registered loggers.
func GetRegisteredLoggerNames() []string {
	return globalLoggerRegistry.registeredNames()
}
