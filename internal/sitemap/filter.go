package sitemap

import (
	"fmt"
	"regexp"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/validation"
)

// Filter applies the configured include/exclude patterns and the page
// cap to a discovered URL list.
type Filter struct {
	include  *regexp.Regexp
	exclude  *regexp.Regexp
	maxPages int
}

// NewFilter compiles the config patterns. Patterns are syntax-checked
// at validation time already; a failure here still surfaces as a
// ConfigError rather than a panic.
func NewFilter(cfg *surveyor.AuditConfig) (*Filter, error) {
	f := &Filter{maxPages: cfg.MaxPages}
	if cfg.IncludePattern != "" {
		re, err := validation.CompilePattern(cfg.IncludePattern)
		if err != nil {
			return nil, surveyor.NewAuditError(surveyor.KindConfigError, fmt.Errorf("includePattern: %w", err))
		}
		f.include = re
	}
	if cfg.ExcludePattern != "" {
		re, err := validation.CompilePattern(cfg.ExcludePattern)
		if err != nil {
			return nil, surveyor.NewAuditError(surveyor.KindConfigError, fmt.Errorf("excludePattern: %w", err))
		}
		f.exclude = re
	}
	return f, nil
}

// Apply filters urls preserving their order: include first, then
// exclude, then truncation to maxPages. With no patterns set the input
// passes through unchanged up to the cap.
func (f *Filter) Apply(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if f.include != nil && !f.include.MatchString(u) {
			continue
		}
		if f.exclude != nil && f.exclude.MatchString(u) {
			continue
		}
		out = append(out, u)
		if f.maxPages > 0 && len(out) >= f.maxPages {
			break
		}
	}
	return out
}
