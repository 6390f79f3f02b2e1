package surveyor

import (
	"time"
)

// Defaults applied to an AuditConfig before validation.
const (
	DefaultConcurrency      = 4
	DefaultMaxPages         = 1000
	DefaultMaxRetries       = 2
	DefaultBaseRetryDelayMs = 1000
	DefaultMaxRedirects     = 5
)

// Performance budget names selecting the scoring thresholds table.
const (
	BudgetDefault   = "default"
	BudgetEcommerce = "ecommerce"
	BudgetCorporate = "corporate"
	BudgetBlog      = "blog"
)

// Audit module names. These double as the artifact field keys and the
// `module` value on AuditAttached/AuditFinished events.
const (
	ModuleHTTP          = "http"
	ModulePerformance   = "perf"
	ModuleAccessibility = "a11y"
	ModuleSEO           = "seo"
	ModuleContentWeight = "contentWeight"
	ModuleMobile        = "mobile"
)

// AuditConfig is the POST /audit request body. Enable flags and
// maxRetries are pointers so that an absent field is distinguishable
// from an explicit zero value; ApplyDefaults materializes them.
type AuditConfig struct {
	SitemapURL           string   `json:"sitemapUrl,omitempty" validate:"required_without=URLs,omitempty,url"`
	URLs                 []string `json:"urls,omitempty" validate:"omitempty,min=1,dive,url"`
	OutputDir            string   `json:"outputDir" validate:"required"`
	Concurrency          int      `json:"concurrency" validate:"min=1"`
	MaxPages             int      `json:"maxPages" validate:"min=1"`
	IncludePattern       string   `json:"includePattern,omitempty"`
	ExcludePattern       string   `json:"excludePattern,omitempty"`
	DelayMs              int      `json:"delayMs" validate:"min=0"`
	MaxRequestsPerSecond float64  `json:"maxRequestsPerSecond,omitempty" validate:"omitempty,gt=0"`
	MaxRetries           *int     `json:"maxRetries,omitempty" validate:"omitempty,min=0"`
	BaseRetryDelayMs     int      `json:"baseRetryDelayMs" validate:"min=0"`
	Screenshots          bool     `json:"screenshots"`
	FollowRedirects      bool     `json:"followRedirects"`
	MaxRedirects         int      `json:"maxRedirects" validate:"min=0"`
	EnablePerformance    *bool    `json:"enablePerformance,omitempty"`
	EnableSEO            *bool    `json:"enableSEO,omitempty"`
	EnableContentWeight  *bool    `json:"enableContentWeight,omitempty"`
	EnableMobile         *bool    `json:"enableMobile,omitempty"`
	EnableAccessibility  *bool    `json:"enableAccessibility,omitempty"`
	PerformanceBudget    string   `json:"performanceBudget" validate:"required,oneof=default ecommerce corporate blog"`
}

// ApplyDefaults fills unset fields in place. Zero means absent for the
// numeric fields whose valid range excludes zero; the pointer fields
// default to their documented values when nil.
func (c *AuditConfig) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxPages == 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxRetries == nil {
		v := DefaultMaxRetries
		c.MaxRetries = &v
	}
	if c.BaseRetryDelayMs == 0 {
		c.BaseRetryDelayMs = DefaultBaseRetryDelayMs
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.PerformanceBudget == "" {
		c.PerformanceBudget = BudgetDefault
	}
	c.EnablePerformance = defaultTrue(c.EnablePerformance)
	c.EnableSEO = defaultTrue(c.EnableSEO)
	c.EnableContentWeight = defaultTrue(c.EnableContentWeight)
	c.EnableMobile = defaultTrue(c.EnableMobile)
	c.EnableAccessibility = defaultTrue(c.EnableAccessibility)
}

func defaultTrue(b *bool) *bool {
	if b == nil {
		v := true
		return &v
	}
	return b
}

// RetryBudget returns the maximum number of retries per URL.
func (c *AuditConfig) RetryBudget() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// ModuleEnabled reports whether the named audit module should run.
// ModuleHTTP is always on.
func (c *AuditConfig) ModuleEnabled(module string) bool {
	switch module {
	case ModuleHTTP:
		return true
	case ModulePerformance:
		return enabled(c.EnablePerformance)
	case ModuleSEO:
		return enabled(c.EnableSEO)
	case ModuleContentWeight:
		return enabled(c.EnableContentWeight)
	case ModuleMobile:
		return enabled(c.EnableMobile)
	case ModuleAccessibility:
		return enabled(c.EnableAccessibility)
	default:
		return false
	}
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Clone deep-copies the config so a running audit never observes
// caller-side mutation.
func (c *AuditConfig) Clone() *AuditConfig {
	out := *c
	if c.URLs != nil {
		out.URLs = append([]string(nil), c.URLs...)
	}
	out.MaxRetries = cloneInt(c.MaxRetries)
	out.EnablePerformance = cloneBool(c.EnablePerformance)
	out.EnableSEO = cloneBool(c.EnableSEO)
	out.EnableContentWeight = cloneBool(c.EnableContentWeight)
	out.EnableMobile = cloneBool(c.EnableMobile)
	out.EnableAccessibility = cloneBool(c.EnableAccessibility)
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// StartAuditResponse is returned by POST /audit once the run is accepted.
type StartAuditResponse struct {
	RunID         string       `json:"runId"`
	Status        string       `json:"status"`
	SitemapURL    string       `json:"sitemapUrl,omitempty"`
	Configuration *AuditConfig `json:"configuration"`
	Timestamp     time.Time    `json:"timestamp"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	ActiveRuns int       `json:"activeRuns"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	Features   []string  `json:"features"`
	ActiveRuns int       `json:"activeRuns"`
	Timestamp  time.Time `json:"timestamp"`
}

// CancelResponse is returned by POST /audit/:runId/cancel.
type CancelResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}
