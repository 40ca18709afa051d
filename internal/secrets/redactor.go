package secrets

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Config configures redaction of stage results.
type Config struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
	// AllowlistFile is an optional gitleaks-style TOML allowlist.
	AllowlistFile string    `koanf:"allowlist_file" json:"allowlist_file,omitempty"`
	Allow         Allowlist `koanf:"allow" json:"allow"`
}

// DefaultConfig enables redaction with no allowlist.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Validate checks the inline allowlist.
func (c *Config) Validate() error {
	return c.Allow.Validate()
}

// Report summarizes what a redaction removed. It never holds secret values.
type Report struct {
	Total int            `json:"total"`
	Rules map[string]int `json:"rules,omitempty"`
}

func (r *Report) add(findings []Finding) {
	for _, f := range findings {
		if r.Rules == nil {
			r.Rules = make(map[string]int)
		}
		r.Rules[f.RuleID]++
		r.Total++
	}
}

// RuleIDs returns the matched rule ids, sorted.
func (r Report) RuleIDs() []string {
	ids := make([]string, 0, len(r.Rules))
	for id := range r.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Redactor replaces detected secrets with [REDACTED:<rule>] markers.
type Redactor struct {
	detect func(string) []Finding
}

// New builds a Redactor from cfg, loading AllowlistFile if set.
func New(cfg Config) (*Redactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allow := &cfg.Allow
	if cfg.AllowlistFile != "" {
		fromFile, err := LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		allow = allow.Merge(fromFile)
	}
	d, err := NewDetector(allow)
	if err != nil {
		return nil, err
	}
	return &Redactor{detect: d.Detect}, nil
}

// RedactText redacts s.
func (r *Redactor) RedactText(s string) (string, Report) {
	var rep Report
	findings := r.detect(s)
	if len(findings) == 0 {
		return s, rep
	}
	rep.add(findings)
	return replaceFindings(s, findings), rep
}

// RedactResult redacts every string inside res, including the typed
// output. res is not modified; when nothing is found it is returned as is.
func (r *Redactor) RedactResult(res *pipeline.Result) (*pipeline.Result, Report, error) {
	var rep Report
	if res == nil {
		return nil, rep, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, rep, fmt.Errorf("encoding result: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, rep, fmt.Errorf("decoding result: %w", err)
	}
	tree = r.walk(tree, &rep)
	if rep.Total == 0 {
		return res, rep, nil
	}

	raw, err = json.Marshal(tree)
	if err != nil {
		return nil, rep, fmt.Errorf("encoding redacted result: %w", err)
	}
	out := &pipeline.Result{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, rep, fmt.Errorf("decoding redacted result: %w", err)
	}
	return out, rep, nil
}

func (r *Redactor) walk(v any, rep *Report) any {
	switch t := v.(type) {
	case string:
		s, found := r.RedactText(t)
		if found.Total > 0 {
			rep.Total += found.Total
			for id, n := range found.Rules {
				if rep.Rules == nil {
					rep.Rules = make(map[string]int)
				}
				rep.Rules[id] += n
			}
		}
		return s
	case []any:
		for i := range t {
			t[i] = r.walk(t[i], rep)
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = r.walk(val, rep)
		}
		return t
	default:
		return v
	}
}

// replaceFindings swaps every occurrence of each secret for its marker,
// longest first so a secret containing another is replaced whole.
func replaceFindings(content string, findings []Finding) string {
	sorted := append([]Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Match) > len(sorted[j].Match)
	})
	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Match, fmt.Sprintf("[REDACTED:%s]", f.RuleID))
	}
	return content
}
