package validation

import (
	"errors"
	"testing"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

func validConfig() *surveyor.AuditConfig {
	cfg := &surveyor.AuditConfig{
		SitemapURL: "https://example.com/sitemap.xml",
		OutputDir:  "/tmp/audits",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidateConfig_TableDriven(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*surveyor.AuditConfig)
		ok     bool
		field  string
	}{
		{"valid defaults", func(c *surveyor.AuditConfig) {}, true, ""},
		{"urls instead of sitemap", func(c *surveyor.AuditConfig) {
			c.SitemapURL = ""
			c.URLs = []string{"https://example.com/a", "https://example.com/b"}
		}, true, ""},
		{"missing sitemap and urls", func(c *surveyor.AuditConfig) {
			c.SitemapURL = ""
		}, false, "sitemapUrl"},
		{"missing outputDir", func(c *surveyor.AuditConfig) {
			c.OutputDir = ""
		}, false, "outputDir"},
		{"bad sitemap url", func(c *surveyor.AuditConfig) {
			c.SitemapURL = "not a url"
		}, false, "sitemapUrl"},
		{"negative concurrency", func(c *surveyor.AuditConfig) {
			c.Concurrency = -1
		}, false, "concurrency"},
		{"negative delay", func(c *surveyor.AuditConfig) {
			c.DelayMs = -5
		}, false, "delayMs"},
		{"zero rate", func(c *surveyor.AuditConfig) {
			c.MaxRequestsPerSecond = -2
		}, false, "maxRequestsPerSecond"},
		{"unknown budget", func(c *surveyor.AuditConfig) {
			c.PerformanceBudget = "enterprise"
		}, false, "performanceBudget"},
		{"broken include regex", func(c *surveyor.AuditConfig) {
			c.IncludePattern = "([unclosed"
		}, false, "includePattern"},
		{"broken exclude regex", func(c *surveyor.AuditConfig) {
			c.ExcludePattern = "a{2,1}"
		}, false, "excludePattern"},
	}

	v := NewConfigValidator()
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		err := v.ValidateConfig(cfg)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("%s: expected *ValidationError, got %T", tc.name, err)
			}
			if _, found := verr.Fields[tc.field]; !found {
				t.Fatalf("%s: expected field %q in %v", tc.name, tc.field, verr.Fields)
			}
		}
	}
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.SitemapURL = ""
	cfg.OutputDir = ""
	cfg.Concurrency = -1
	cfg.IncludePattern = "([unclosed"

	err := NewConfigValidator().ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	for _, field := range []string{"sitemapUrl", "outputDir", "concurrency", "includePattern"} {
		if _, found := verr.Fields[field]; !found {
			t.Fatalf("expected %q collected alongside the others, got %v", field, verr.Fields)
		}
	}
}

func TestCompilePatternCaseInsensitive(t *testing.T) {
	re, err := CompilePattern("/Blog/")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("https://example.com/BLOG/post-1") {
		t.Fatal("expected case-insensitive match")
	}
	if !re.MatchString("https://example.com/blog/post-1") {
		t.Fatal("expected lowercase match")
	}
}
