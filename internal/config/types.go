// internal/config/types.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration decodes "30s" style text. A bare integer is read as seconds, so
// DEVFLOW_SERVER_SHUTDOWN_TIMEOUT=15 works.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(n) * time.Second
	} else if parsed, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const (
	redacted = "[REDACTED]"
	// secretFilePrefix makes a Secret read its value from a file, as with
	// mounted container secrets: api_token: "file:/run/secrets/devflow".
	secretFilePrefix = "file:"
	maxSecretFile    = 64 * 1024
)

// Secret is a string that never prints or serializes its value. Read it
// with Value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return "Secret(" + redacted + ")"
}

func (s Secret) Value() string {
	return string(s)
}

func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText stays redacted because reloaded configs are logged.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText takes the literal value, or the trimmed contents of the
// file named after a "file:" prefix.
func (s *Secret) UnmarshalText(text []byte) error {
	v := string(text)
	path, ok := strings.CutPrefix(v, secretFilePrefix)
	if !ok {
		*s = Secret(v)
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("secret file: %w", err)
	}
	if info.Size() > maxSecretFile {
		return fmt.Errorf("secret file %s exceeds %d bytes", path, maxSecretFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("secret file: %w", err)
	}
	*s = Secret(strings.TrimSpace(string(data)))
	return nil
}
