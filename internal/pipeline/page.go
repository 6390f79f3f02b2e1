package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	neturl "net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// attemptOutcome is the terminal result of a completed attempt. The
// artifact, when set, is persisted before the terminal event goes out.
type attemptOutcome struct {
	state      string
	reason     string
	redirectTo string
	statusCode int
	errInfo    *surveyor.ErrorInfo
	artifact   *surveyor.PageArtifact
}

// processURL drives one URL through its attempts until a terminal
// state. Only fatal or context errors propagate; everything else ends
// in exactly one terminal event for the URL.
func (r *Run) processURL(ctx context.Context, url string) error {
	if r.metrics != nil && r.metrics.ActiveItems != nil {
		r.metrics.ActiveItems.WithLabelValues("pages").Inc()
		defer r.metrics.ActiveItems.WithLabelValues("pages").Dec()
	}

	r.setState(url, surveyor.StateRunning)
	start := time.Now().UTC()

	budget := r.cfg.RetryBudget()
	for attempt := 1; ; attempt++ {
		out, nav, err := r.attempt(ctx, url)
		if err == nil {
			r.finalize(url, out, attempt, start)
			return nil
		}

		if fatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":  r.id,
			"url":     url,
			"attempt": attempt,
		}).Warn("Page attempt failed")

		if retriable(err) && attempt <= budget {
			r.publish(surveyor.Event{Type: surveyor.EventPageError, URL: url, Reason: reasonOf(err)})
			delay := r.backoffDelay(attempt)
			r.publish(surveyor.Event{Type: surveyor.EventPageRetry, URL: url, Attempt: attempt + 1, DelayMs: delay.Milliseconds()})
			r.countRetry(reasonOf(err))
			if !sleepContext(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		r.finalizeError(url, nav, err, attempt, start)
		return nil
	}
}

// attempt runs one audit attempt end to end. A nil error carries the
// attempt's outcome; a non-nil error sends the URL back to the retry
// loop, with nav set when navigation itself completed. The session is
// always released before the caller emits any terminal event.
func (r *Run) attempt(ctx context.Context, url string) (*attemptOutcome, *browser.NavResult, error) {
	session, err := r.sess.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer r.sess.Release(session)

	// Pacing gates the attempt before it becomes visible: PageStarted
	// must not outrun the request budget.
	if err := r.limiter.Await(ctx); err != nil {
		return nil, nil, err
	}

	r.publish(surveyor.Event{Type: surveyor.EventPageStarted, URL: url})
	startedAt := time.Now().UTC()

	navCtx, cancelNav := context.WithTimeout(ctx, navigationTimeout)
	nav, err := session.Navigate(navCtx, url)
	cancelNav()
	r.observeNavigation(nav, err, time.Since(startedAt))
	if err != nil {
		return nil, nil, err
	}

	if out := r.redirectPolicy(url, nav, startedAt); out != nil {
		return out, nav, nil
	}

	// Server errors are transient: no artifact this attempt, the retry
	// loop decides whether the URL gets another chance.
	if nav.Status >= 500 {
		return nil, nav, surveyor.NewAuditError(surveyor.KindHTTP5xxTransient, fmt.Errorf("%s responded %d", url, nav.Status))
	}

	artifact := &surveyor.PageArtifact{
		SchemaVersion: surveyor.SchemaVersion,
		RunID:         r.id,
		URL:           url,
		StartedAt:     startedAt,
	}
	page := &audits.Page{
		URL:      url,
		Nav:      nav,
		Session:  timedSession{session: session, timeout: evaluateTimeout},
		Config:   r.cfg,
		Artifact: artifact,
	}

	r.chain.Run(ctx, page, audits.Hooks{
		Attached: func(module string) {
			r.publish(surveyor.Event{Type: surveyor.EventAuditAttached, URL: url, Module: module})
		},
		Finished: func(module string, _ error) {
			r.publish(surveyor.Event{Type: surveyor.EventAuditFinished, URL: url, Module: module})
		},
	})

	if r.cfg.Screenshots && !page.SkipRendering {
		r.captureScreenshot(ctx, session, url, artifact)
	}

	artifact.ConsoleErrors = session.ConsoleErrors()
	if artifact.ConsoleErrors == nil {
		artifact.ConsoleErrors = []string{}
	}
	artifact.FinishedAt = time.Now().UTC()

	out := &attemptOutcome{state: surveyor.StateFinished, statusCode: nav.Status, artifact: artifact}
	if nav.Status >= 400 {
		// Client-error pages persist with their empty fragments but
		// count as errored.
		info := &surveyor.ErrorInfo{Code: string(surveyor.KindHTTP4xx), Message: fmt.Sprintf("%s responded %d", url, nav.Status)}
		artifact.Error = info
		out.state = surveyor.StateErrored
		out.reason = string(surveyor.KindHTTP4xx)
		out.errInfo = info
	}
	return out, nav, nil
}

// redirectPolicy classifies a navigation that went through redirects:
// a terminal outcome for chains the run must not follow, nil when the
// page proceeds to auditing.
func (r *Run) redirectPolicy(url string, nav *browser.NavResult, startedAt time.Time) *attemptOutcome {
	chain := nav.RedirectChain
	if len(chain) == 0 {
		return nil
	}

	if !r.cfg.FollowRedirects && crossOrigin(url, chain) {
		info := &surveyor.ErrorInfo{
			Code:    string(surveyor.KindHTTP3xxUnfollowed),
			Message: fmt.Sprintf("%s redirects off-origin to %s", url, chain[len(chain)-1].To),
		}
		return &attemptOutcome{
			state:      surveyor.StateSkipped,
			reason:     "redirect",
			statusCode: chain[0].Status,
			errInfo:    info,
			artifact:   r.stubArtifact(url, startedAt, redirectStub(nav), info),
		}
	}

	if len(chain) > r.cfg.MaxRedirects {
		return &attemptOutcome{
			state:      surveyor.StateRedirected,
			redirectTo: chain[len(chain)-1].To,
			statusCode: chain[0].Status,
			artifact:   r.stubArtifact(url, startedAt, redirectStub(nav), nil),
		}
	}
	return nil
}

// finalize persists the attempt's artifact and emits the terminal
// event. A persist failure overrides the outcome: the page errors with
// reason "persist".
func (r *Run) finalize(url string, out *attemptOutcome, attempts int, start time.Time) {
	if out.artifact != nil {
		if _, err := r.writer.WritePage(out.artifact); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"run_id": r.id,
				"url":    url,
			}).Error("Failed to persist page artifact")
			r.publish(surveyor.Event{Type: surveyor.EventPageError, URL: url, Reason: "persist", Terminal: true})
			r.record(url, surveyor.StateErrored, attempts, out.statusCode, "persist", surveyor.ErrorInfoFrom(err), nil)
			r.observePage(surveyor.StateErrored, start)
			return
		}
	}

	switch out.state {
	case surveyor.StateSkipped:
		r.publish(surveyor.Event{Type: surveyor.EventPageSkipped, URL: url, Reason: out.reason})
	case surveyor.StateRedirected:
		r.publish(surveyor.Event{Type: surveyor.EventPageRedirected, URL: url, To: out.redirectTo})
	case surveyor.StateErrored:
		r.publish(surveyor.Event{Type: surveyor.EventPageError, URL: url, Reason: out.reason, Terminal: true})
	default:
		r.publish(surveyor.Event{Type: surveyor.EventPageFinished, URL: url})
	}
	r.record(url, out.state, attempts, out.statusCode, out.reason, out.errInfo, out.artifact)
	r.observePage(out.state, start)
}

// finalizeError ends a URL whose retries are spent: one terminal
// PageError plus a best-effort error artifact, so the output directory
// accounts for every page.
func (r *Run) finalizeError(url string, nav *browser.NavResult, attemptErr error, attempts int, start time.Time) {
	info := surveyor.ErrorInfoFrom(attemptErr)
	var httpRes *surveyor.HTTPResult
	status := 0
	if nav != nil {
		httpRes = audits.HTTPResultFromNav(nav)
		status = nav.Status
	}
	artifact := r.stubArtifact(url, start, httpRes, info)
	if _, err := r.writer.WritePage(artifact); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": r.id,
			"url":    url,
		}).Error("Failed to persist error artifact")
	}

	r.publish(surveyor.Event{Type: surveyor.EventPageError, URL: url, Reason: reasonOf(attemptErr), Terminal: true})
	r.record(url, surveyor.StateErrored, attempts, status, reasonOf(attemptErr), info, nil)
	r.observePage(surveyor.StateErrored, start)
}

func (r *Run) captureScreenshot(ctx context.Context, session Session, url string, artifact *surveyor.PageArtifact) {
	shotCtx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()
	png, err := session.Screenshot(shotCtx, true)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{"run_id": r.id, "url": url}).Warn("Screenshot capture failed")
		return
	}
	rel, err := r.writer.WriteScreenshot(url, png)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{"run_id": r.id, "url": url}).Warn("Screenshot write failed")
		return
	}
	artifact.ScreenshotPath = &rel
}

// stubArtifact is the artifact persisted for pages that never reached
// the audit chain.
func (r *Run) stubArtifact(url string, startedAt time.Time, httpRes *surveyor.HTTPResult, errInfo *surveyor.ErrorInfo) *surveyor.PageArtifact {
	return &surveyor.PageArtifact{
		SchemaVersion: surveyor.SchemaVersion,
		RunID:         r.id,
		URL:           url,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
		HTTP:          httpRes,
		ConsoleErrors: []string{},
		Error:         errInfo,
	}
}

// redirectStub is the http fragment persisted for pages terminated by
// the redirect policy: the first hop's status plus the chain targets.
func redirectStub(nav *browser.NavResult) *surveyor.HTTPResult {
	return &surveyor.HTTPResult{
		StatusCode:    nav.RedirectChain[0].Status,
		RedirectChain: audits.RedirectTargets(nav.RedirectChain),
		FinalURL:      nav.FinalURL,
	}
}

func (r *Run) setState(url, state string) {
	r.mu.Lock()
	if p := r.pages[url]; p != nil {
		p.State = state
	}
	r.mu.Unlock()
}

// record updates the page's summary row and the run counters, and
// folds finished-page scores into the run averages.
func (r *Run) record(url, state string, attempts, statusCode int, reason string, errInfo *surveyor.ErrorInfo, artifact *surveyor.PageArtifact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pages[url]
	if p == nil {
		return
	}
	p.State = state
	p.Attempts = attempts
	p.StatusCode = statusCode
	p.Reason = reason
	p.Error = errInfo

	switch state {
	case surveyor.StateFinished:
		r.counts.Finished++
	case surveyor.StateErrored:
		r.counts.Errored++
	case surveyor.StateSkipped:
		r.counts.Skipped++
	case surveyor.StateRedirected:
		r.counts.Redirected++
	}

	if state != surveyor.StateFinished || artifact == nil {
		return
	}
	if f := artifact.Perf; f != nil && f.Error == nil {
		r.scoreSum[surveyor.ModulePerformance] += f.Score
		r.scoreN[surveyor.ModulePerformance]++
	}
	if f := artifact.SEO; f != nil && f.Error == nil {
		r.scoreSum[surveyor.ModuleSEO] += f.Score
		r.scoreN[surveyor.ModuleSEO]++
	}
	if f := artifact.ContentWeight; f != nil && f.Error == nil {
		r.scoreSum[surveyor.ModuleContentWeight] += f.Score
		r.scoreN[surveyor.ModuleContentWeight]++
	}
	if f := artifact.Mobile; f != nil && f.Error == nil {
		r.scoreSum[surveyor.ModuleMobile] += f.Score
		r.scoreN[surveyor.ModuleMobile]++
	}
}

// backoffDelay returns the pause after the given failed attempt:
// base * 2^(attempt-1), jittered by up to 20% either way.
func (r *Run) backoffDelay(attempt int) time.Duration {
	base := float64(r.cfg.BaseRetryDelayMs) * float64(time.Millisecond)
	r.rngMu.Lock()
	jitter := 0.8 + 0.4*r.rng.Float64()
	r.rngMu.Unlock()
	return time.Duration(base * math.Pow(2, float64(attempt-1)) * jitter)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reasonOf maps an error to the reason string carried on events.
// Unclassified failures report "internal".
func reasonOf(err error) string {
	if kind := surveyor.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}

// retriable treats unclassified failures as transient.
func retriable(err error) bool {
	var ae *surveyor.AuditError
	if errors.As(err, &ae) {
		return ae.Retriable()
	}
	return true
}

func fatal(err error) bool {
	var ae *surveyor.AuditError
	return errors.As(err, &ae) && ae.Fatal()
}

// crossOrigin reports whether any hop of the chain leaves the origin
// of the requested URL. Scheme, host, and port all count; relative
// targets stay on-origin.
func crossOrigin(rawURL string, chain []browser.Redirect) bool {
	base, err := neturl.Parse(rawURL)
	if err != nil {
		return true
	}
	for _, hop := range chain {
		target, err := neturl.Parse(hop.To)
		if err != nil {
			return true
		}
		if target.Host == "" {
			continue
		}
		if !sameOrigin(base, target) {
			return true
		}
	}
	return false
}

func sameOrigin(a, b *neturl.URL) bool {
	return a.Scheme == b.Scheme && a.Hostname() == b.Hostname() && portOf(a) == portOf(b)
}

func portOf(u *neturl.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

func (r *Run) countRetry(reason string) {
	if r.metrics != nil && r.metrics.PageRetries != nil {
		r.metrics.PageRetries.WithLabelValues(reason).Inc()
	}
}

func (r *Run) observePage(state string, start time.Time) {
	if r.metrics == nil {
		return
	}
	if r.metrics.PagesTotal != nil {
		r.metrics.PagesTotal.WithLabelValues(state).Inc()
	}
	if r.metrics.PageDuration != nil {
		r.metrics.PageDuration.WithLabelValues(state).Observe(time.Since(start).Seconds())
	}
}

func (r *Run) observeNavigation(nav *browser.NavResult, err error, took time.Duration) {
	if r.metrics == nil || r.metrics.NavigationDuration == nil {
		return
	}
	label := "error"
	if err == nil && nav != nil {
		label = statusClass(nav.Status)
	}
	r.metrics.NavigationDuration.WithLabelValues(label).Observe(took.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
