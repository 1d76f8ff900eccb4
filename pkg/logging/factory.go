// Package logging provides component-aware loggers with consistent
// field naming and per-component level overrides.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// envLevelPrefix is the prefix for per-component level overrides,
// e.g. ENGRAM_LOG_LEVEL_JUDGMENT=debug.
const envLevelPrefix = "ENGRAM_LOG_LEVEL_"

// Factory hands out loggers tagged with their component id. Levels can
// be overridden per component without touching the base logger.
type Factory struct {
	base *log.Logger

	mu     sync.RWMutex
	levels map[string]log.Level
}

// NewFactory creates a logger factory around a base logger.
func NewFactory(base *log.Logger) *Factory {
	f := &Factory{
		base:   base,
		levels: make(map[string]log.Level),
	}
	f.loadLevelsFromEnv()
	return f
}

// ForComponent returns a logger tagged with the component id, honoring
// any level override registered for it.
func (f *Factory) ForComponent(id string) *log.Logger {
	logger := f.base.With("component", id)

	f.mu.RLock()
	level, ok := f.levels[normalizeComponent(id)]
	f.mu.RUnlock()
	if ok {
		logger.SetLevel(level)
	}
	return logger
}

// ForService creates a logger for long-lived service components.
func (f *Factory) ForService(id string) *log.Logger {
	return f.ForComponent(id)
}

// ForStore creates a logger for storage adapters.
func (f *Factory) ForStore(id string) *log.Logger {
	return f.ForComponent(id)
}

// ForWorker creates a logger for queue workers.
func (f *Factory) ForWorker(id string) *log.Logger {
	return f.ForComponent(id)
}

// ForHandler creates a logger for HTTP handlers.
func (f *Factory) ForHandler(id string) *log.Logger {
	return f.ForComponent(id)
}

// ForAI creates a logger for model gateway components.
func (f *Factory) ForAI(id string) *log.Logger {
	return f.ForComponent(id)
}

// ForBroker creates a logger for the task broker.
func (f *Factory) ForBroker(id string) *log.Logger {
	return f.ForComponent(id)
}

// WithRequestID adds request correlation to a logger.
func (f *Factory) WithRequestID(logger *log.Logger, requestID string) *log.Logger {
	return logger.With("request_id", requestID)
}

// WithUserID adds owner context to a logger.
func (f *Factory) WithUserID(logger *log.Logger, userID string) *log.Logger {
	return logger.With("user_id", userID)
}

// WithTraceID adds judgment trace correlation to a logger.
func (f *Factory) WithTraceID(logger *log.Logger, traceID string) *log.Logger {
	return logger.With("trace_id", traceID)
}

// WithOperation adds operation context to a logger.
func (f *Factory) WithOperation(logger *log.Logger, operation string) *log.Logger {
	return logger.With("operation", operation)
}

// WithError adds error context to a logger.
func (f *Factory) WithError(logger *log.Logger, err error) *log.Logger {
	if err != nil {
		return logger.With("error", err.Error())
	}
	return logger
}

// SetComponentLevel overrides the level for one component id.
func (f *Factory) SetComponentLevel(id string, level log.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[normalizeComponent(id)] = level
}

// ComponentLevel reports the effective level for a component id.
func (f *Factory) ComponentLevel(id string) log.Level {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if level, ok := f.levels[normalizeComponent(id)]; ok {
		return level
	}
	return f.base.GetLevel()
}

// loadLevelsFromEnv picks up ENGRAM_LOG_LEVEL_<COMPONENT> overrides.
func (f *Factory) loadLevelsFromEnv() {
	for _, kv := range os.Environ() {
		key, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(key, envLevelPrefix) {
			continue
		}
		level, err := log.ParseLevel(value)
		if err != nil {
			continue
		}
		component := normalizeComponent(strings.TrimPrefix(key, envLevelPrefix))
		f.levels[component] = level
	}
}

func normalizeComponent(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", "_"))
}
