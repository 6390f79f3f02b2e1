package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// domSettleWait bounds how long a navigation waits for the DOM to stop
// mutating after the load event. Pages that never settle are audited as-is.
const domSettleWait = 300 * time.Millisecond

// metricsObserverJS is injected before any page script runs. It registers
// PerformanceObservers for the metrics that cannot be read after the fact
// and parks them on window.__surveyorMetrics for later evaluation.
const metricsObserverJS = `(() => {
	const m = { lcp: 0, cls: 0, inp: -1, tbt: 0, fcp: 0 };
	window.__surveyorMetrics = m;
	const observe = (type, cb, extra) => {
		try {
			new PerformanceObserver((list) => cb(list.getEntries()))
				.observe(Object.assign({ type: type, buffered: true }, extra || {}));
		} catch (e) {}
	};
	observe('largest-contentful-paint', (entries) => {
		if (entries.length) m.lcp = entries[entries.length - 1].startTime;
	});
	observe('paint', (entries) => {
		for (const e of entries) if (e.name === 'first-contentful-paint') m.fcp = e.startTime;
	});
	observe('layout-shift', (entries) => {
		for (const e of entries) if (!e.hadRecentInput) m.cls += e.value;
	});
	observe('event', (entries) => {
		for (const e of entries) if (e.duration > m.inp) m.inp = e.duration;
	}, { durationThreshold: 40 });
	observe('longtask', (entries) => {
		for (const e of entries) if (e.duration > 50) m.tbt += e.duration - 50;
	});
})();`

// Session owns one Chromium process and the single page audits run in.
// A session must not be used for more than one navigation at a time; the
// pool hands each session to exactly one worker.
type Session struct {
	id       string
	logger   logging.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	// ctx bounds the session's event pump goroutines.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	rec       *navRecorder
	recCancel context.CancelFunc

	crashed atomic.Bool
	uses    atomic.Int64
}

// newSession launches a Chromium process and prepares its audit page.
// Failures are reported as BrowserLaunchError so callers abort the run.
func newSession(logger logging.Logger, id string, opts LaunchOptions) (*Session, error) {
	l := opts.buildLauncher()

	controlURL, err := l.Launch()
	if err != nil {
		return nil, surveyor.NewAuditError(surveyor.KindBrowserLaunchError, fmt.Errorf("launch chromium: %w", err))
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, surveyor.NewAuditError(surveyor.KindBrowserLaunchError, fmt.Errorf("connect to chromium: %w", err))
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, surveyor.NewAuditError(surveyor.KindBrowserLaunchError, fmt.Errorf("open audit page: %w", err))
	}

	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: metricsObserverJS}).Call(page); err != nil {
		_ = b.Close()
		l.Kill()
		return nil, surveyor.NewAuditError(surveyor.KindBrowserLaunchError, fmt.Errorf("install metrics observer: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		logger:   logger,
		launcher: l,
		browser:  b,
		page:     page,
		ctx:      ctx,
		cancel:   cancel,
	}

	go s.page.Context(ctx).EachEvent(func(e *proto.InspectorTargetCrashed) {
		s.crashed.Store(true)
		s.logger.WithField("session_id", s.id).Warn("Browser target crashed")
	})()

	s.logger.WithField("session_id", s.id).Debug("Browser session launched")
	return s, nil
}

// ID returns the pool-assigned session identifier.
func (s *Session) ID() string { return s.id }

// Crashed reports whether the Chromium target died. Crashed sessions must
// be recycled, not reused.
func (s *Session) Crashed() bool { return s.crashed.Load() }

// Uses returns how many navigations this session has served.
func (s *Session) Uses() int64 { return s.uses.Load() }

// Navigate loads target and waits for the page to settle. Network and
// console activity keeps being recorded after Navigate returns, until the
// next navigation or session close, so resource totals observed by later
// callers include late-loading assets.
func (s *Session) Navigate(ctx context.Context, target string) (*NavResult, error) {
	s.uses.Add(1)

	s.mu.Lock()
	if s.recCancel != nil {
		s.recCancel()
	}
	rec := newNavRecorder()
	recCtx, recCancel := context.WithCancel(s.ctx)
	s.rec, s.recCancel = rec, recCancel
	s.mu.Unlock()

	// CDP listeners must be attached before the navigation starts or the
	// first response events are lost.
	go s.page.Context(recCtx).EachEvent(
		rec.onRequest,
		rec.onResponse,
		rec.onDataReceived,
		rec.onLoadingFinished,
		rec.onConsole,
		rec.onException,
	)()

	p := s.page.Context(ctx)
	if err := p.Navigate(target); err != nil {
		return nil, s.navError(target, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, s.navError(target, err)
	}
	// Best effort: a page that keeps mutating is still auditable.
	_ = p.WaitDOMStable(domSettleWait, 0.1)

	result := rec.snapshot()
	if result.FinalURL == "" {
		result.FinalURL = target
	}
	return &result, nil
}

func (s *Session) navError(target string, err error) error {
	wrapped := fmt.Errorf("navigate %s: %w", target, err)
	if s.crashed.Load() {
		return surveyor.NewAuditError(surveyor.KindSessionCrash, wrapped)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return surveyor.NewAuditError(surveyor.KindNavigationTimeout, wrapped)
	}
	return wrapped
}

// Eval runs a JavaScript function in the page and returns its value.
func (s *Session) Eval(ctx context.Context, js string) (gson.JSON, error) {
	res, err := s.page.Context(ctx).Eval(js)
	if err != nil {
		if s.crashed.Load() {
			return gson.New(nil), surveyor.NewAuditError(surveyor.KindSessionCrash, err)
		}
		return gson.New(nil), err
	}
	return res.Value, nil
}

// HTML returns the current serialized DOM.
func (s *Session) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil && s.crashed.Load() {
		return "", surveyor.NewAuditError(surveyor.KindSessionCrash, err)
	}
	return html, err
}

// Screenshot captures the page as PNG.
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// SetViewport overrides the device metrics, e.g. to emulate a phone.
func (s *Session) SetViewport(ctx context.Context, width, height int, mobile bool) error {
	scale := 1.0
	if mobile {
		scale = 2.0
	}
	return proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: scale,
		Mobile:            mobile,
	}.Call(s.page.Context(ctx))
}

// ResetViewport restores the default device metrics.
func (s *Session) ResetViewport(ctx context.Context) error {
	return proto.EmulationClearDeviceMetricsOverride{}.Call(s.page.Context(ctx))
}

// ConsoleErrors returns console errors and uncaught exceptions recorded
// since the last navigation.
func (s *Session) ConsoleErrors() []string {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()

	if rec == nil {
		return nil
	}
	return rec.ConsoleErrors()
}

// Resources returns the network requests recorded since the last navigation.
func (s *Session) Resources() []Resource {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()

	if rec == nil {
		return nil
	}
	return rec.Resources()
}

// Close tears down the Chromium process. Safe to call more than once.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"session_id": s.id,
				"error":      err.Error(),
			}).Debug("Browser close failed, killing process")
		}
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}
}
