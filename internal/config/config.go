// Package config loads devflowd configuration.
//
// Values are layered: built-in defaults, then a YAML or TOML file, then
// DEVFLOW_* environment variables. The result is validated as a whole,
// including the router policy and every configured flow.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/secrets"
	"github.com/fyrsmithlabs/devflow/internal/telemetry"
)

// Config holds the complete devflowd configuration.
type Config struct {
	Server        ServerConfig     `koanf:"server"`
	Store         StoreConfig      `koanf:"store"`
	NATS          NATSConfig       `koanf:"nats"`
	Scheduler     SchedulerConfig  `koanf:"scheduler"`
	Observability telemetry.Config `koanf:"observability"`
	Logging       logging.Config   `koanf:"logging"`
	Pipeline      PipelineConfig   `koanf:"pipeline"`
	Policy        pipeline.Policy  `koanf:"policy"`
	Secrets       secrets.Config   `koanf:"secrets"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken Secret `koanf:"api_token"`
}

// StoreConfig selects the run store backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // "sqlite" or "memory"
	Path   string `koanf:"path"`
}

// NATSConfig holds message bus settings.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// Embedded starts an in-process server on Port instead of dialing URL.
	Embedded     bool    `koanf:"embedded"`
	Port         int     `koanf:"port"`
	Prefix       string  `koanf:"prefix"`
	NotifyRate   float64 `koanf:"notify_rate"`
	NotifyBurst  int     `koanf:"notify_burst"`
	Workers      int     `koanf:"workers"`
	RemoteStages bool    `koanf:"remote_stages"`
}

// SchedulerConfig holds the gate deadline sweep schedule.
type SchedulerConfig struct {
	Sweep string `koanf:"sweep"`
}

// PipelineConfig holds the default flow and run triggers.
type PipelineConfig struct {
	DefaultFlow []string        `koanf:"default_flow"`
	Triggers    []TriggerConfig `koanf:"triggers"`
}

// TriggerConfig declares which events start a run and with what flow.
// Scheduled triggers carry a cron expression.
type TriggerConfig struct {
	Name  string   `koanf:"name"`
	On    string   `koanf:"on"`
	Label string   `koanf:"label"`
	Cron  string   `koanf:"cron"`
	Flow  []string `koanf:"flow"`
}

// FlowOrDefault returns the trigger's flow, falling back to def.
func (t TriggerConfig) FlowOrDefault(def pipeline.Flow) pipeline.Flow {
	if len(t.Flow) == 0 {
		return def
	}
	return pipeline.Flow(t.Flow)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "devflow.db",
		},
		NATS: NATSConfig{
			URL:         "nats://127.0.0.1:4222",
			Port:        4222,
			Prefix:      "devflow",
			NotifyRate:  5,
			NotifyBurst: 10,
			Workers:     4,
		},
		Scheduler: SchedulerConfig{
			Sweep: "@every 30s",
		},
		Observability: *telemetry.NewDefaultConfig(),
		Logging:       *logging.NewDefaultConfig(),
		Pipeline: PipelineConfig{
			DefaultFlow: pipeline.DefaultFlow(),
		},
		Policy:  pipeline.DefaultPolicy(),
		Secrets: secrets.DefaultConfig(),
	}
}

// Flow returns the configured default flow.
func (c *Config) Flow() pipeline.Flow {
	if len(c.Pipeline.DefaultFlow) == 0 {
		return pipeline.DefaultFlow()
	}
	return pipeline.Flow(c.Pipeline.DefaultFlow)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if err := c.NATS.validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Scheduler.Sweep); err != nil {
		return fmt.Errorf("invalid scheduler sweep %q: %w", c.Scheduler.Sweep, err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := c.Flow().Validate(c.Policy); err != nil {
		return fmt.Errorf("pipeline default_flow: %w", err)
	}
	seen := make(map[string]bool, len(c.Pipeline.Triggers))
	for i, t := range c.Pipeline.Triggers {
		if err := t.validate(c.Flow(), c.Policy); err != nil {
			return fmt.Errorf("pipeline trigger %d: %w", i, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("pipeline trigger %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

func (n NATSConfig) validate() error {
	if !n.Enabled {
		return nil
	}
	if n.Embedded {
		if n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("invalid nats port: %d", n.Port)
		}
	} else if n.URL == "" {
		return errors.New("nats url is required unless embedded")
	}
	if n.Prefix == "" || strings.ContainsAny(n.Prefix, " *>") {
		return fmt.Errorf("invalid nats prefix %q", n.Prefix)
	}
	if n.NotifyRate <= 0 {
		return errors.New("nats notify_rate must be positive")
	}
	if n.NotifyBurst < 1 {
		return errors.New("nats notify_burst must be at least 1")
	}
	if n.Workers < 0 {
		return fmt.Errorf("nats workers must be >= 0, got %d", n.Workers)
	}
	return nil
}

func (t TriggerConfig) validate(def pipeline.Flow, policy pipeline.Policy) error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	kind := pipeline.TriggerKind(t.On)
	if !kind.Valid() {
		return fmt.Errorf("%s: unknown trigger %q", t.Name, t.On)
	}
	if kind == pipeline.TriggerSchedule {
		if t.Cron == "" {
			return fmt.Errorf("%s: scheduled trigger needs a cron expression", t.Name)
		}
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", t.Name, t.Cron, err)
		}
	} else if t.Cron != "" {
		return fmt.Errorf("%s: cron is only valid for schedule triggers", t.Name)
	}
	if err := t.FlowOrDefault(def).Validate(policy); err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	return nil
}
