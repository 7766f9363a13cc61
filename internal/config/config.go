package config

import (
	"time"

	"github.com/creasty/defaults"
)

const (
	ServerModeProd string = "prod"
	ServerModeDev  string = "dev"
)

// Configuration holds every tunable of the controller. Defaults come from
// the struct tags and are resolved by creasty/defaults.
type Configuration struct {
	ServerMode string `debugmap:"visible" default:"dev"`
	HTTPPort   int    `debugmap:"visible" default:"8080"`
	DataFolder string `debugmap:"visible"`

	Scheduler Scheduler `debugmap:"visible"`
	Heartbeat Heartbeat `debugmap:"visible"`
	Transport Transport `debugmap:"visible"`

	// Log
	LogFormat string `debugmap:"visible" default:"console"`
	LogLevel  string `debugmap:"visible" default:"debug"`
}

// Scheduler tunes the dispatcher and retry backoff.
type Scheduler struct {
	DispatchInterval      time.Duration `debugmap:"visible" default:"1s"`
	HighPriorityThreshold int           `debugmap:"visible" default:"8"`
	BackoffBase           time.Duration `debugmap:"visible" default:"5s"`
	BackoffMax            time.Duration `debugmap:"visible" default:"5m"`
	HandoffBackoff        time.Duration `debugmap:"visible" default:"2s"`
}

// Heartbeat tunes the liveness monitor.
type Heartbeat struct {
	Interval        time.Duration `debugmap:"visible" default:"10s"`
	MissedIntervals int           `debugmap:"visible" default:"3"`
}

// Transport tunes assignment delivery to collectors.
type Transport struct {
	Timeout time.Duration `debugmap:"visible" default:"10s"`
}

// ConfigurationOption mutates a Configuration.
type ConfigurationOption func(*Configuration)

// NewConfigurationWithOptionsAndDefaults builds a Configuration from the
// default tags, then applies the given options on top.
func NewConfigurationWithOptionsAndDefaults(opts ...ConfigurationOption) *Configuration {
	cfg := &Configuration{}
	if err := defaults.Set(cfg); err != nil {
		panic(err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithServerMode(mode string) ConfigurationOption {
	return func(c *Configuration) { c.ServerMode = mode }
}

func WithHTTPPort(port int) ConfigurationOption {
	return func(c *Configuration) { c.HTTPPort = port }
}

func WithLogFormat(format string) ConfigurationOption {
	return func(c *Configuration) { c.LogFormat = format }
}

func WithLogLevel(level string) ConfigurationOption {
	return func(c *Configuration) { c.LogLevel = level }
}

// DebugMap returns the loggable view of the configuration.
func (c *Configuration) DebugMap() map[string]any {
	return map[string]any{
		"ServerMode": c.ServerMode,
		"HTTPPort":   c.HTTPPort,
		"DataFolder": c.DataFolder,
		"LogFormat":  c.LogFormat,
		"LogLevel":   c.LogLevel,
	}
}

func (s Scheduler) DebugMap() map[string]any {
	return map[string]any{
		"DispatchInterval":      s.DispatchInterval.String(),
		"HighPriorityThreshold": s.HighPriorityThreshold,
		"BackoffBase":           s.BackoffBase.String(),
		"BackoffMax":            s.BackoffMax.String(),
		"HandoffBackoff":        s.HandoffBackoff.String(),
	}
}

func (h Heartbeat) DebugMap() map[string]any {
	return map[string]any{
		"Interval":        h.Interval.String(),
		"MissedIntervals": h.MissedIntervals,
	}
}

func (t Transport) DebugMap() map[string]any {
	return map[string]any{
		"Timeout": t.Timeout.String(),
	}
}
