// internal/logging/redact.go
package logging

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const maxPatternLen = 200

const redacted = "[REDACTED]"

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingEncoder masks sensitive fields before they reach the wrapped
// encoder. Approver reasons, trigger refs and stage errors are free text,
// so values are matched as well as keys.
type redactingEncoder struct {
	zapcore.Encoder
	keys     []string
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with cfg's rules. A disabled config
// returns base unchanged.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k = strings.ToLower(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &redactingEncoder{Encoder: base, keys: keys, patterns: patterns}, nil
}

// sensitiveKey matches key fragments, so "db_password" and "X-Api-Token"
// are caught by "password" and "token".
func (e *redactingEncoder) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range e.keys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

func (e *redactingEncoder) sensitiveValue(val string) bool {
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

func (e *redactingEncoder) AddString(key, val string) {
	switch {
	case e.sensitiveKey(key):
		e.Encoder.AddString(key, redacted)
	case e.sensitiveValue(val):
		e.Encoder.AddString(key, "[REDACTED:pattern]")
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitiveKey(key) || e.sensitiveValue(string(val)) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddByteString(key, val)
}

// AddReflected masks by key only. Nested values are not inspected.
func (e *redactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry feeds per-entry fields through the masking Add* methods; the
// wrapped encoder would otherwise write them directly.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	c := e.clone()
	for i := range fields {
		fields[i].AddTo(c)
	}
	return c.Encoder.EncodeEntry(ent, nil)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return e.clone()
}

func (e *redactingEncoder) clone() *redactingEncoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
