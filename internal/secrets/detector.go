// Package secrets finds and redacts credentials in stage results before
// they are written to the audit log. Detection uses the Gitleaks default
// rule set plus an optional allowlist.
package secrets

import (
	"errors"
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidRegex indicates an allowlist pattern failed to compile.
var ErrInvalidRegex = errors.New("invalid regex pattern")

// Finding is a detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	Match    string
}

// Detector scans text with a fixed Gitleaks configuration.
type Detector struct {
	cfg gitleaksConfig.Config
}

// NewDetector loads the Gitleaks default rules and applies allow.
func NewDetector(allow *Allowlist) (*Detector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	cfg := base.Config
	if allow != nil && !allow.Empty() {
		if err := applyAllowlist(&cfg, allow); err != nil {
			return nil, err
		}
	}
	return &Detector{cfg: cfg}, nil
}

// Detect returns every secret in content. A fresh gitleaks detector is used
// per call because detectors accumulate findings across scans.
func (d *Detector) Detect(content string) []Finding {
	if content == "" {
		return nil
	}
	found := detect.NewDetector(d.cfg).DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			Match:    f.Secret,
		})
	}
	return out
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "devflow allowlist"}
	for _, pattern := range allow.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allow.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
