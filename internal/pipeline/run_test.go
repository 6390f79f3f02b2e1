package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/casoon/auditmysite-studio-sub003/internal/artifacts"
	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/internal/events"
	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/internal/sitemap"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

func testLogger() logging.Logger {
	return logging.NewLoggerWithService("pipeline-test")
}

type fakeSession struct {
	navigate   func(ctx context.Context, target string) (*browser.NavResult, error)
	screenshot func() ([]byte, error)
	console    []string
}

func (s *fakeSession) Navigate(ctx context.Context, target string) (*browser.NavResult, error) {
	if s.navigate != nil {
		return s.navigate(ctx, target)
	}
	return &browser.NavResult{Status: 200, FinalURL: target}, nil
}

func (s *fakeSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if s.screenshot != nil {
		return s.screenshot()
	}
	return []byte("png"), nil
}

func (s *fakeSession) Eval(ctx context.Context, js string) (gson.JSON, error) {
	return gson.New(nil), nil
}

func (s *fakeSession) HTML(ctx context.Context) (string, error) { return "<html></html>", nil }

func (s *fakeSession) SetViewport(ctx context.Context, width, height int, mobile bool) error {
	return nil
}

func (s *fakeSession) ResetViewport(ctx context.Context) error { return nil }

func (s *fakeSession) Resources() []browser.Resource { return nil }

func (s *fakeSession) ConsoleErrors() []string { return s.console }

type fakeSessions struct {
	session   *fakeSession
	onRelease func()

	mu       sync.Mutex
	acquired int
	released int
}

func (f *fakeSessions) Acquire(ctx context.Context) (Session, error) {
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return f.session, nil
}

func (f *fakeSessions) Release(s Session) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	if f.onRelease != nil {
		f.onRelease()
	}
}

type fakeChain struct {
	run func(ctx context.Context, p *audits.Page, hooks audits.Hooks)
}

func (c *fakeChain) Run(ctx context.Context, p *audits.Page, hooks audits.Hooks) {
	if c.run != nil {
		c.run(ctx, p, hooks)
	}
}

func testConfig(t *testing.T, urls ...string) *surveyor.AuditConfig {
	t.Helper()
	cfg := &surveyor.AuditConfig{
		URLs:             urls,
		OutputDir:        t.TempDir(),
		Concurrency:      1,
		BaseRetryDelayMs: 10,
		FollowRedirects:  true,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestRun(t *testing.T, cfg *surveyor.AuditConfig, bus *events.Bus, sess sessions, chain auditChain) *Run {
	t.Helper()
	return newRun(newRunID(), testLogger(), cfg, runDeps{
		bus:      bus,
		sessions: sess,
		chain:    chain,
		seed:     1,
	})
}

// collectUntil drains sub until stop matches, returning everything
// received including the matching event.
func collectUntil(t *testing.T, sub *events.Subscription, stop func(surveyor.Event) bool) []surveyor.Event {
	t.Helper()
	var out []surveyor.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", len(out))
			}
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
}

func collectRun(t *testing.T, sub *events.Subscription) []surveyor.Event {
	t.Helper()
	return collectUntil(t, sub, func(ev surveyor.Event) bool {
		return ev.Type == surveyor.EventAuditCompleted
	})
}

func typesOf(evs []surveyor.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func eventsOfType(evs []surveyor.Event, typ string) []surveyor.Event {
	var out []surveyor.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func readSummary(t *testing.T, outputDir, runID string) *surveyor.RunSummary {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outputDir, runID, "summary.json"))
	require.NoError(t, err)
	var summary surveyor.RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	return &summary
}

func readArtifact(t *testing.T, outputDir, runID, url string) *surveyor.PageArtifact {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outputDir, runID, "pages", artifacts.URLSlug(url)+".json"))
	require.NoError(t, err)
	var artifact surveyor.PageArtifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	return &artifact
}

func TestRunRetriesFlakyPageUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &browser.NavResult{Status: 200, FinalURL: target}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
	}}
	cfg := testConfig(t, "https://site.test/flaky")
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	got := collectRun(t, sub)
	want := []string{
		surveyor.EventAuditStarted,
		surveyor.EventPageQueued,
		surveyor.EventPageStarted,
		surveyor.EventPageError,
		surveyor.EventPageRetry,
		surveyor.EventPageStarted,
		surveyor.EventPageError,
		surveyor.EventPageRetry,
		surveyor.EventPageStarted,
		surveyor.EventPageFinished,
		surveyor.EventAuditCompleted,
	}
	assert.Equal(t, want, typesOf(got))

	retries := eventsOfType(got, surveyor.EventPageRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 2, retries[0].Attempt)
	assert.InDelta(t, 10, retries[0].DelayMs, 2.5)
	assert.Equal(t, 3, retries[1].Attempt)
	assert.InDelta(t, 20, retries[1].DelayMs, 5)

	for _, ev := range eventsOfType(got, surveyor.EventPageError) {
		assert.False(t, ev.Terminal)
		assert.Equal(t, "internal", ev.Reason)
	}

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Finished)
	assert.Equal(t, 0, summary.Counts.Errored)
	require.Len(t, summary.Pages, 1)
	assert.Equal(t, surveyor.StateFinished, summary.Pages[0].State)
	assert.Equal(t, 3, summary.Pages[0].Attempts)

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/flaky")
	require.NotNil(t, artifact.HTTP)
	assert.Equal(t, 200, artifact.HTTP.StatusCode)
}

func TestRunExhaustedRetriesEmitSingleTerminalError(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return nil, surveyor.NewAuditError(surveyor.KindNavigationTimeout, errors.New("deadline exceeded"))
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	cfg := testConfig(t, "https://site.test/slow")
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, &fakeChain{})
	run.execute()

	got := collectRun(t, sub)
	want := []string{
		surveyor.EventAuditStarted,
		surveyor.EventPageQueued,
		surveyor.EventPageStarted,
		surveyor.EventPageError,
		surveyor.EventPageRetry,
		surveyor.EventPageStarted,
		surveyor.EventPageError,
		surveyor.EventPageRetry,
		surveyor.EventPageStarted,
		surveyor.EventPageError,
		surveyor.EventAuditCompleted,
	}
	assert.Equal(t, want, typesOf(got))

	pageErrors := eventsOfType(got, surveyor.EventPageError)
	require.Len(t, pageErrors, 3)
	assert.False(t, pageErrors[0].Terminal)
	assert.False(t, pageErrors[1].Terminal)
	assert.True(t, pageErrors[2].Terminal)
	for _, ev := range pageErrors {
		assert.Equal(t, string(surveyor.KindNavigationTimeout), ev.Reason)
	}

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/slow")
	assert.Nil(t, artifact.HTTP)
	require.NotNil(t, artifact.Error)
	assert.Equal(t, string(surveyor.KindNavigationTimeout), artifact.Error.Code)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Errored)
	require.Len(t, summary.Pages, 1)
	assert.Equal(t, surveyor.StateErrored, summary.Pages[0].State)
	assert.Equal(t, 3, summary.Pages[0].Attempts)
	assert.Equal(t, string(surveyor.KindNavigationTimeout), summary.Pages[0].Reason)
}

func TestRunPacesPageStartsUnderRateLimit(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	cfg := testConfig(t,
		"https://site.test/a",
		"https://site.test/b",
		"https://site.test/c",
		"https://site.test/d",
	)
	cfg.Concurrency = 4
	cfg.MaxRequestsPerSecond = 2

	run := newTestRun(t, cfg, bus, &fakeSessions{session: &fakeSession{}}, &fakeChain{})
	run.execute()

	got := collectRun(t, sub)
	starts := eventsOfType(got, surveyor.EventPageStarted)
	require.Len(t, starts, 4)

	times := make([]time.Time, len(starts))
	for i, ev := range starts {
		times[i] = ev.Timestamp
	}
	for i := 0; i < len(times)-1; i++ {
		for j := i + 1; j < len(times); j++ {
			if times[j].Before(times[i]) {
				times[i], times[j] = times[j], times[i]
			}
		}
	}
	// At 2 req/s, any window of three starts spans at least a second.
	assert.GreaterOrEqual(t, times[2].Sub(times[0]), 900*time.Millisecond)
	assert.GreaterOrEqual(t, times[3].Sub(times[1]), 900*time.Millisecond)
}

func TestRunSkipsCrossOriginRedirectWhenNotFollowing(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return &browser.NavResult{
			Status:        200,
			FinalURL:      "https://other.test/landing",
			RedirectChain: []browser.Redirect{{Status: 301, To: "https://other.test/landing"}},
		}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chainCalled := false
	chain := &fakeChain{run: func(context.Context, *audits.Page, audits.Hooks) { chainCalled = true }}
	cfg := testConfig(t, "https://site.test/moved")
	cfg.FollowRedirects = false
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	got := collectRun(t, sub)
	want := []string{
		surveyor.EventAuditStarted,
		surveyor.EventPageQueued,
		surveyor.EventPageStarted,
		surveyor.EventPageSkipped,
		surveyor.EventAuditCompleted,
	}
	assert.Equal(t, want, typesOf(got))
	assert.False(t, chainCalled)

	skipped := eventsOfType(got, surveyor.EventPageSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "redirect", skipped[0].Reason)

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/moved")
	require.NotNil(t, artifact.HTTP)
	assert.Equal(t, 301, artifact.HTTP.StatusCode)
	assert.Equal(t, []string{"https://other.test/landing"}, artifact.HTTP.RedirectChain)
	require.NotNil(t, artifact.Error)
	assert.Equal(t, string(surveyor.KindHTTP3xxUnfollowed), artifact.Error.Code)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Skipped)
	assert.Equal(t, surveyor.StateSkipped, summary.Pages[0].State)
	assert.Equal(t, 301, summary.Pages[0].StatusCode)
}

func TestRunAuditsSameOriginRedirectWithoutFollowing(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return &browser.NavResult{
			Status:        200,
			FinalURL:      "https://site.test/new",
			RedirectChain: []browser.Redirect{{Status: 301, To: "https://site.test/new"}},
		}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
	}}
	cfg := testConfig(t, "https://site.test/old")
	cfg.FollowRedirects = false
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	got := collectRun(t, sub)
	finished := eventsOfType(got, surveyor.EventPageFinished)
	require.Len(t, finished, 1)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Finished)
	assert.Equal(t, 0, summary.Counts.Skipped)
}

func TestRunReportsRedirectWhenChainTooLong(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return &browser.NavResult{
			Status:   200,
			FinalURL: "https://site.test/final",
			RedirectChain: []browser.Redirect{
				{Status: 301, To: "https://site.test/hop"},
				{Status: 302, To: "https://site.test/final"},
			},
		}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	cfg := testConfig(t, "https://site.test/start")
	cfg.MaxRedirects = 1
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, &fakeChain{})
	run.execute()

	got := collectRun(t, sub)
	redirected := eventsOfType(got, surveyor.EventPageRedirected)
	require.Len(t, redirected, 1)
	assert.Equal(t, "https://site.test/final", redirected[0].To)

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/start")
	require.NotNil(t, artifact.HTTP)
	assert.Equal(t, 301, artifact.HTTP.StatusCode)
	assert.Nil(t, artifact.Error)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Redirected)
	assert.Equal(t, surveyor.StateRedirected, summary.Pages[0].State)
}

func TestRunPersistsClientErrorPages(t *testing.T) {
	shot := false
	sess := &fakeSession{
		navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
			return &browser.NavResult{Status: 404, FinalURL: target}, nil
		},
		screenshot: func() ([]byte, error) {
			shot = true
			return []byte("png"), nil
		},
	}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
		p.SkipRendering = true
	}}
	cfg := testConfig(t, "https://site.test/gone")
	cfg.Screenshots = true
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	got := collectRun(t, sub)
	pageErrors := eventsOfType(got, surveyor.EventPageError)
	require.Len(t, pageErrors, 1)
	assert.True(t, pageErrors[0].Terminal)
	assert.Equal(t, string(surveyor.KindHTTP4xx), pageErrors[0].Reason)
	assert.Empty(t, eventsOfType(got, surveyor.EventPageRetry))
	assert.False(t, shot)

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/gone")
	require.NotNil(t, artifact.HTTP)
	assert.Equal(t, 404, artifact.HTTP.StatusCode)
	require.NotNil(t, artifact.Error)
	assert.Equal(t, string(surveyor.KindHTTP4xx), artifact.Error.Code)
	assert.Nil(t, artifact.ScreenshotPath)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Errored)
	assert.Equal(t, 404, summary.Pages[0].StatusCode)
}

func TestRunRetriesServerErrors(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return &browser.NavResult{Status: 503, FinalURL: target}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chainCalled := false
	chain := &fakeChain{run: func(context.Context, *audits.Page, audits.Hooks) { chainCalled = true }}
	cfg := testConfig(t, "https://site.test/busy")
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	got := collectRun(t, sub)
	assert.False(t, chainCalled)
	assert.Len(t, eventsOfType(got, surveyor.EventPageRetry), 2)

	pageErrors := eventsOfType(got, surveyor.EventPageError)
	require.Len(t, pageErrors, 3)
	assert.True(t, pageErrors[2].Terminal)
	assert.Equal(t, string(surveyor.KindHTTP5xxTransient), pageErrors[2].Reason)

	// The last response is kept on the error artifact.
	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/busy")
	require.NotNil(t, artifact.HTTP)
	assert.Equal(t, 503, artifact.HTTP.StatusCode)
	require.NotNil(t, artifact.Error)
	assert.Equal(t, string(surveyor.KindHTTP5xxTransient), artifact.Error.Code)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 503, summary.Pages[0].StatusCode)
}

func TestRunCapturesScreenshotWhenEnabled(t *testing.T) {
	sess := &fakeSession{screenshot: func() ([]byte, error) {
		return []byte("imagedata"), nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
	}}
	cfg := testConfig(t, "https://site.test/shot")
	cfg.Screenshots = true
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, chain)
	run.execute()

	collectRun(t, sub)

	artifact := readArtifact(t, cfg.OutputDir, run.id, "https://site.test/shot")
	require.NotNil(t, artifact.ScreenshotPath)
	assert.Equal(t, "screenshots/"+artifacts.URLSlug("https://site.test/shot")+".png", *artifact.ScreenshotPath)

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, run.id, filepath.FromSlash(*artifact.ScreenshotPath)))
	require.NoError(t, err)
	assert.Equal(t, []byte("imagedata"), data)
}

func TestRunReportsPersistFailureAsTerminalError(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
	}}
	url := "https://site.test/locked"
	cfg := testConfig(t, url)
	run := newTestRun(t, cfg, bus, &fakeSessions{session: &fakeSession{}}, chain)

	// A directory squatting on the artifact path makes the atomic
	// rename fail.
	blocked := filepath.Join(cfg.OutputDir, run.id, "pages", artifacts.URLSlug(url)+".json")
	require.NoError(t, os.MkdirAll(blocked, 0o755))

	run.execute()

	got := collectRun(t, sub)
	pageErrors := eventsOfType(got, surveyor.EventPageError)
	require.Len(t, pageErrors, 1)
	assert.True(t, pageErrors[0].Terminal)
	assert.Equal(t, "persist", pageErrors[0].Reason)
	assert.Empty(t, eventsOfType(got, surveyor.EventPageFinished))

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 1, summary.Counts.Errored)
	assert.Equal(t, "persist", summary.Pages[0].Reason)
	require.NotNil(t, summary.Pages[0].Error)
	assert.Equal(t, string(surveyor.KindPersistError), summary.Pages[0].Error.Code)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRunFailsFastOnSitemapError(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	loader := sitemap.NewLoader(testLogger(), sitemap.WithHTTPClient(client))

	cfg := &surveyor.AuditConfig{
		SitemapURL: "https://site.test/sitemap.xml",
		OutputDir:  t.TempDir(),
	}
	cfg.ApplyDefaults()

	run := newRun(newRunID(), testLogger(), cfg, runDeps{
		bus:      bus,
		sessions: &fakeSessions{session: &fakeSession{}},
		chain:    &fakeChain{},
		loader:   loader,
		seed:     1,
	})
	run.execute()

	got := collectRun(t, sub)
	assert.Equal(t, []string{surveyor.EventAuditStarted, surveyor.EventAuditCompleted}, typesOf(got))

	summary := readSummary(t, cfg.OutputDir, run.id)
	require.NotNil(t, summary.Error)
	assert.Equal(t, string(surveyor.KindSitemapFetchError), summary.Error.Code)
	assert.Equal(t, 0, summary.Counts.Total)
	assert.Empty(t, summary.Pages)
}

func TestRunReleasesSessionBeforeTerminalEvent(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		return nil, surveyor.NewAuditError(surveyor.KindNavigationTimeout, errors.New("deadline exceeded"))
	}}
	provider := &fakeSessions{session: sess}
	provider.onRelease = func() {
		bus.Publish(surveyor.Event{Type: "SessionReleased"})
	}

	cfg := testConfig(t, "https://site.test/once")
	zero := 0
	cfg.MaxRetries = &zero
	run := newTestRun(t, cfg, bus, provider, &fakeChain{})
	run.execute()

	got := collectRun(t, sub)
	releasedAt, erroredAt := -1, -1
	for i, ev := range got {
		switch {
		case ev.Type == "SessionReleased":
			releasedAt = i
		case ev.Type == surveyor.EventPageError && ev.Terminal:
			erroredAt = i
		}
	}
	require.GreaterOrEqual(t, releasedAt, 0)
	require.GreaterOrEqual(t, erroredAt, 0)
	assert.Less(t, releasedAt, erroredAt)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, 1, provider.acquired)
	assert.Equal(t, 1, provider.released)
}

func TestRunPublishesModuleBoundaryEvents(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, hooks audits.Hooks) {
		hooks.Attached(surveyor.ModuleHTTP)
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
		hooks.Finished(surveyor.ModuleHTTP, nil)
		hooks.Attached(surveyor.ModulePerformance)
		hooks.Finished(surveyor.ModulePerformance, errors.New("boom"))
	}}
	cfg := testConfig(t, "https://site.test/modules")
	run := newTestRun(t, cfg, bus, &fakeSessions{session: &fakeSession{}}, chain)
	run.execute()

	got := collectRun(t, sub)
	want := []string{
		surveyor.EventAuditStarted,
		surveyor.EventPageQueued,
		surveyor.EventPageStarted,
		surveyor.EventAuditAttached,
		surveyor.EventAuditFinished,
		surveyor.EventAuditAttached,
		surveyor.EventAuditFinished,
		surveyor.EventPageFinished,
		surveyor.EventAuditCompleted,
	}
	require.Equal(t, want, typesOf(got))
	assert.Equal(t, surveyor.ModuleHTTP, got[3].Module)
	assert.Equal(t, surveyor.ModuleHTTP, got[4].Module)
	assert.Equal(t, surveyor.ModulePerformance, got[5].Module)
	assert.Equal(t, surveyor.ModulePerformance, got[6].Module)
}

func TestRunSummaryAveragesModuleScores(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	chain := &fakeChain{run: func(_ context.Context, p *audits.Page, _ audits.Hooks) {
		p.Artifact.HTTP = audits.HTTPResultFromNav(p.Nav)
		if strings.HasSuffix(p.URL, "/a") {
			p.Artifact.Perf = &surveyor.PerfResult{Score: 90}
			p.Artifact.SEO = &surveyor.SEOResult{Score: 85}
		} else {
			p.Artifact.Perf = &surveyor.PerfResult{Score: 70}
		}
	}}
	cfg := testConfig(t, "https://site.test/a", "https://site.test/b")
	run := newTestRun(t, cfg, bus, &fakeSessions{session: &fakeSession{}}, chain)
	run.execute()

	collectRun(t, sub)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 2, summary.Counts.Finished)
	assert.Equal(t, map[string]float64{
		surveyor.ModulePerformance: 80,
		surveyor.ModuleSEO:         85,
	}, summary.AverageScores)
}

func TestRunCancelStopsInFlightPages(t *testing.T) {
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &browser.NavResult{Status: 200, FinalURL: target}, nil
		}
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	cfg := testConfig(t,
		"https://site.test/1",
		"https://site.test/2",
		"https://site.test/3",
		"https://site.test/4",
		"https://site.test/5",
	)
	cfg.Concurrency = 2
	run := newTestRun(t, cfg, bus, &fakeSessions{session: sess}, &fakeChain{})

	go run.execute()

	collectUntil(t, sub, func(ev surveyor.Event) bool {
		return ev.Type == surveyor.EventPageStarted
	})
	run.Cancel()

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	got := collectUntil(t, sub, func(ev surveyor.Event) bool {
		return ev.Type == surveyor.EventAuditCompleted
	})
	assert.NotEmpty(t, got)

	summary := readSummary(t, cfg.OutputDir, run.id)
	assert.Equal(t, 5, summary.Counts.Total)
	assert.Equal(t, 0, summary.Counts.Finished)
	assert.Nil(t, summary.Error)
	for _, p := range summary.Pages {
		assert.Contains(t, []string{surveyor.StateQueued, surveyor.StateRunning}, p.State)
	}
}

func TestRunCountsRetriesInMetrics(t *testing.T) {
	m := &metrics.Metrics{
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pages_total"}, []string{"state"}),
		PageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "page_duration_seconds"}, []string{"state"}),
		PageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "page_retries_total"}, []string{"reason"}),
		ActiveItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "active_items"}, []string{"type"}),
		NavigationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "browser_navigation_duration_seconds"}, []string{"status"}),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "events_published_total"}, []string{"event_type"}),
	}

	var mu sync.Mutex
	calls := 0
	sess := &fakeSession{navigate: func(ctx context.Context, target string) (*browser.NavResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &browser.NavResult{Status: 200, FinalURL: target}, nil
	}}

	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	cfg := testConfig(t, "https://site.test/metrics")
	run := newRun(newRunID(), testLogger(), cfg, runDeps{
		bus:      bus,
		sessions: &fakeSessions{session: sess},
		chain:    &fakeChain{},
		metrics:  m,
		seed:     1,
	})
	run.execute()
	collectRun(t, sub)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PageRetries.WithLabelValues("internal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues(surveyor.StateFinished)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveItems.WithLabelValues("pages")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(surveyor.EventPageStarted)))
}
