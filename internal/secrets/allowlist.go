package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ErrInvalidTOML indicates an allowlist file could not be parsed.
var ErrInvalidTOML = errors.New("invalid TOML format")

// Allowlist holds values that are never treated as secrets.
type Allowlist struct {
	Regexes   []string `koanf:"regexes" toml:"regexes"`
	StopWords []string `koanf:"stopwords" toml:"stopwords"`
}

// Empty reports whether the allowlist has no entries.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0)
}

// Validate compiles every regex.
func (a *Allowlist) Validate() error {
	if a == nil {
		return nil
	}
	for _, pattern := range a.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	return nil
}

// Merge returns the union of a and other.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, src := range []*Allowlist{a, other} {
		if src == nil {
			continue
		}
		out.Regexes = append(out.Regexes, src.Regexes...)
		out.StopWords = append(out.StopWords, src.StopWords...)
	}
	return out
}

// LoadAllowlist reads a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
//	stopwords = ["dummy"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if err := doc.Allowlist.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &doc.Allowlist, nil
}
