package surveyor

import (
	"encoding/json"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	cfg := AuditConfig{SitemapURL: "https://example.com/sitemap.xml", OutputDir: "/tmp/out"}
	cfg.ApplyDefaults()

	if cfg.Concurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.Concurrency)
	}
	if cfg.MaxPages != 1000 {
		t.Fatalf("expected default maxPages 1000, got %d", cfg.MaxPages)
	}
	if cfg.RetryBudget() != 2 {
		t.Fatalf("expected default maxRetries 2, got %d", cfg.RetryBudget())
	}
	if cfg.BaseRetryDelayMs != 1000 {
		t.Fatalf("expected default baseRetryDelayMs 1000, got %d", cfg.BaseRetryDelayMs)
	}
	if cfg.MaxRedirects != 5 {
		t.Fatalf("expected default maxRedirects 5, got %d", cfg.MaxRedirects)
	}
	if cfg.PerformanceBudget != BudgetDefault {
		t.Fatalf("expected default budget, got %q", cfg.PerformanceBudget)
	}
	for _, m := range []string{ModuleHTTP, ModulePerformance, ModuleSEO, ModuleContentWeight, ModuleMobile, ModuleAccessibility} {
		if !cfg.ModuleEnabled(m) {
			t.Fatalf("expected module %s enabled by default", m)
		}
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	off := false
	zero := 0
	cfg := AuditConfig{
		SitemapURL:        "https://example.com/sitemap.xml",
		OutputDir:         "/tmp/out",
		Concurrency:       2,
		MaxRetries:        &zero,
		EnableMobile:      &off,
		PerformanceBudget: BudgetBlog,
	}
	cfg.ApplyDefaults()

	if cfg.Concurrency != 2 {
		t.Fatalf("explicit concurrency overridden: %d", cfg.Concurrency)
	}
	if cfg.RetryBudget() != 0 {
		t.Fatalf("explicit maxRetries=0 overridden: %d", cfg.RetryBudget())
	}
	if cfg.ModuleEnabled(ModuleMobile) {
		t.Fatal("explicit enableMobile=false overridden")
	}
	if cfg.PerformanceBudget != BudgetBlog {
		t.Fatalf("explicit budget overridden: %q", cfg.PerformanceBudget)
	}
	if !cfg.ModuleEnabled(ModuleHTTP) {
		t.Fatal("http module must always be enabled")
	}
}

func TestCloneIsDeep(t *testing.T) {
	retries := 3
	cfg := AuditConfig{
		SitemapURL: "https://example.com/sitemap.xml",
		OutputDir:  "/tmp/out",
		URLs:       []string{"https://example.com/a"},
		MaxRetries: &retries,
	}
	clone := cfg.Clone()

	clone.URLs[0] = "https://example.com/mutated"
	*clone.MaxRetries = 9

	if cfg.URLs[0] != "https://example.com/a" {
		t.Fatal("clone shares urls slice")
	}
	if *cfg.MaxRetries != 3 {
		t.Fatal("clone shares maxRetries pointer")
	}
}

func TestAuditConfigWireNames(t *testing.T) {
	raw := `{
		"sitemapUrl": "https://example.com/sitemap.xml",
		"outputDir": "/tmp/out",
		"concurrency": 8,
		"maxPages": 50,
		"includePattern": "/blog/",
		"excludePattern": "/admin/",
		"delayMs": 100,
		"maxRequestsPerSecond": 2.5,
		"maxRetries": 1,
		"baseRetryDelayMs": 250,
		"screenshots": true,
		"followRedirects": true,
		"maxRedirects": 3,
		"enableSEO": false,
		"performanceBudget": "ecommerce"
	}`
	var cfg AuditConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.SitemapURL != "https://example.com/sitemap.xml" || cfg.Concurrency != 8 || cfg.MaxPages != 50 {
		t.Fatalf("unexpected decode: %+v", cfg)
	}
	if cfg.MaxRequestsPerSecond != 2.5 {
		t.Fatalf("expected maxRequestsPerSecond 2.5, got %v", cfg.MaxRequestsPerSecond)
	}
	if cfg.EnableSEO == nil || *cfg.EnableSEO {
		t.Fatal("expected enableSEO false")
	}
	if cfg.EnablePerformance != nil {
		t.Fatal("expected absent enablePerformance to stay nil before defaults")
	}
}
