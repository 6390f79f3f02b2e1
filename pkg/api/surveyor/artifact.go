package surveyor

import "time"

// SchemaVersion identifies the PageArtifact wire format.
const SchemaVersion = "1"

// ErrorInfo is the error object carried by failed artifacts and by
// module fragments that errored.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPResult is the `http` fragment: the observed network-level outcome
// of navigating to the page.
type HTTPResult struct {
	StatusCode    int               `json:"statusCode"`
	Headers       map[string]string `json:"headers"`
	FinalURL      string            `json:"finalUrl"`
	RedirectChain []string          `json:"redirectChain"`
	TTFBMs        float64           `json:"ttfbMs"`
	Error         *ErrorInfo        `json:"error,omitempty"`
}

// PerfResult is the `perf` fragment. Millisecond metrics come from
// Navigation Timing and injected PerformanceObserver callbacks; inpMs
// is null when the page saw no interaction.
type PerfResult struct {
	TTFBMs             float64    `json:"ttfbMs"`
	FCPMs              float64    `json:"fcpMs"`
	LCPMs              float64    `json:"lcpMs"`
	CLSScore           float64    `json:"clsScore"`
	INPMs              *float64   `json:"inpMs"`
	DomContentLoadedMs float64    `json:"domContentLoadedMs"`
	LoadEventEndMs     float64    `json:"loadEventEndMs"`
	TBTMs              float64    `json:"tbtMs"`
	Grade              string     `json:"grade"`
	Score              float64    `json:"score"`
	Budget             string     `json:"budget"`
	Error              *ErrorInfo `json:"error,omitempty"`
}

// A11yNode is one affected DOM node inside a violation.
type A11yNode struct {
	HTML   string   `json:"html"`
	Target []string `json:"target"`
}

// A11yViolation is one rule violation reported by the analyzer script.
type A11yViolation struct {
	ID          string     `json:"id"`
	Impact      string     `json:"impact"`
	Help        string     `json:"help"`
	Description string     `json:"description"`
	Nodes       []A11yNode `json:"nodes"`
}

// A11yResult is the `a11y` fragment.
type A11yResult struct {
	Violations []A11yViolation `json:"violations"`
	Error      *ErrorInfo      `json:"error,omitempty"`
}

// SEOImageStats counts images by alt-text handling.
type SEOImageStats struct {
	Total      int `json:"total"`
	WithAlt    int `json:"withAlt"`
	WithoutAlt int `json:"withoutAlt"`
	EmptyAlt   int `json:"emptyAlt"`
	LazyLoaded int `json:"lazyLoaded"`
}

// SEOLinkStats counts links by classification.
type SEOLinkStats struct {
	Internal int `json:"internal"`
	External int `json:"external"`
	Nofollow int `json:"nofollow"`
}

// SEOResult is the `seo` fragment.
type SEOResult struct {
	Title           string              `json:"title"`
	MetaDescription string              `json:"metaDescription"`
	Canonical       string              `json:"canonical"`
	Robots          string              `json:"robots"`
	Viewport        string              `json:"viewport"`
	OpenGraph       map[string]string   `json:"openGraph"`
	TwitterCard     map[string]string   `json:"twitterCard"`
	Headings        map[string][]string `json:"headings"`
	Images          SEOImageStats       `json:"images"`
	Links           SEOLinkStats        `json:"links"`
	WordCount       int                 `json:"wordCount"`
	ParagraphCount  int                 `json:"paragraphCount"`
	StructuredData  []string            `json:"structuredData"`
	HTMLBytes       int                 `json:"htmlBytes"`
	Score           float64             `json:"score"`
	Issues          []string            `json:"issues"`
	Error           *ErrorInfo          `json:"error,omitempty"`
}

// ResourceStat aggregates transfers for one resource type.
type ResourceStat struct {
	TransferBytes int64 `json:"transferBytes"`
	DecodedBytes  int64 `json:"decodedBytes"`
	Count         int   `json:"count"`
}

// ContentWeightResult is the `contentWeight` fragment, aggregated from
// the session's per-request network accounting.
type ContentWeightResult struct {
	TotalTransferBytes int64                   `json:"totalTransferBytes"`
	TotalRequests      int                     `json:"totalRequests"`
	ByType             map[string]ResourceStat `json:"byType"`
	CompressionRatio   float64                 `json:"compressionRatio"`
	Score              float64                 `json:"score"`
	Issues             []string                `json:"issues"`
	Error              *ErrorInfo              `json:"error,omitempty"`
}

// MobileResult is the `mobile` fragment.
type MobileResult struct {
	ViewportMeta        bool       `json:"viewportMeta"`
	ViewportContent     string     `json:"viewportContent"`
	TouchTargetsChecked int        `json:"touchTargetsChecked"`
	SmallTouchTargets   int        `json:"smallTouchTargets"`
	BodyFontSizePx      float64    `json:"bodyFontSizePx"`
	HorizontalOverflow  bool       `json:"horizontalOverflow"`
	Score               float64    `json:"score"`
	Issues              []string   `json:"issues"`
	Error               *ErrorInfo `json:"error,omitempty"`
}

// PageArtifact is the per-page output file, schema v1. Fragments for
// disabled modules are omitted entirely; enabled fragments are present
// even when the module errored or was skipped.
type PageArtifact struct {
	SchemaVersion  string               `json:"schemaVersion"`
	RunID          string               `json:"runId"`
	URL            string               `json:"url"`
	StartedAt      time.Time            `json:"startedAt"`
	FinishedAt     time.Time            `json:"finishedAt"`
	HTTP           *HTTPResult          `json:"http"`
	Perf           *PerfResult          `json:"perf,omitempty"`
	A11y           *A11yResult          `json:"a11y,omitempty"`
	SEO            *SEOResult           `json:"seo,omitempty"`
	ContentWeight  *ContentWeightResult `json:"contentWeight,omitempty"`
	Mobile         *MobileResult        `json:"mobile,omitempty"`
	ConsoleErrors  []string             `json:"consoleErrors"`
	ScreenshotPath *string              `json:"screenshotPath"`
	Error          *ErrorInfo           `json:"error,omitempty"`
}

// RunCounts aggregates terminal states for a run.
type RunCounts struct {
	Total      int `json:"total"`
	Finished   int `json:"finished"`
	Errored    int `json:"errored"`
	Skipped    int `json:"skipped"`
	Redirected int `json:"redirected"`
}

// PageStatus is one row of the run summary.
type PageStatus struct {
	URL        string     `json:"url"`
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	StatusCode int        `json:"statusCode,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// RunSummary is written once per run as summary.json, also when the
// run failed.
type RunSummary struct {
	SchemaVersion string             `json:"schemaVersion"`
	RunID         string             `json:"runId"`
	SitemapURL    string             `json:"sitemapUrl,omitempty"`
	StartedAt     time.Time          `json:"startedAt"`
	FinishedAt    time.Time          `json:"finishedAt"`
	Counts        RunCounts          `json:"counts"`
	AverageScores map[string]float64 `json:"averageScores"`
	Pages         []PageStatus       `json:"pages"`
	Configuration *AuditConfig       `json:"configuration,omitempty"`
	Error         *ErrorInfo         `json:"error,omitempty"`
}
