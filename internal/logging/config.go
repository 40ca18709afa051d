// internal/logging/config.go
package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
//
// Components overrides the level for named child loggers, so one part of
// the daemon can be turned up without flooding the rest:
//
//	logging:
//	  level: info
//	  components:
//	    engine: debug
//	    bus: warn
type Config struct {
	Level           zapcore.Level            `koanf:"level"`
	Format          string                   `koanf:"format"`
	Output          OutputConfig             `koanf:"output"`
	Sampling        SamplingConfig           `koanf:"sampling"`
	Caller          bool                     `koanf:"caller"`
	StacktraceLevel zapcore.Level            `koanf:"stacktrace_level"`
	Fields          map[string]string        `koanf:"fields"`
	Components      map[string]zapcore.Level `koanf:"components"`
	Redaction       RedactionConfig          `koanf:"redaction"`
}

type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig thins repeated entries below Error.
type SamplingConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Tick       time.Duration `koanf:"tick"`
	Initial    int           `koanf:"initial"`
	Thereafter int           `koanf:"thereafter"`
}

// RedactionConfig masks values in stdout logs. A field is masked when its
// key contains any of Keys, or its string value matches any of Patterns.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Keys     []string `koanf:"keys"`
	Patterns []string `koanf:"patterns"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller:          true,
		StacktraceLevel: zapcore.ErrorLevel,
		Fields:          map[string]string{"service": "devflowd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Keys:    []string{"password", "secret", "token", "api_key", "authorization", "credential"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`gh[pousr]_[A-Za-z0-9]{36}`,
				`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
			},
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	for name := range c.Components {
		if name == "" {
			return fmt.Errorf("component name cannot be empty")
		}
	}
	return nil
}

// minLevel is the most verbose level any logger built from c may use.
func (c *Config) minLevel() zapcore.Level {
	lvl := c.Level
	for _, l := range c.Components {
		if l < lvl {
			lvl = l
		}
	}
	return lvl
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
