// Package pipeline executes audit runs: it discovers the URL list,
// fans pages out over a bounded worker pool, drives the audit chain
// against pooled browser sessions, and persists artifacts while
// publishing lifecycle events on the run bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/casoon/auditmysite-studio-sub003/internal/artifacts"
	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/events"
	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/internal/ratelimit"
	"github.com/casoon/auditmysite-studio-sub003/internal/sitemap"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

const (
	// runTimeout bounds a whole run; whatever finished by then is
	// summarized, the rest stays queued or running in the summary.
	runTimeout = 10 * time.Minute

	// navigationTimeout bounds a single page load attempt.
	navigationTimeout = 30 * time.Second

	// evaluateTimeout bounds each script evaluation inside a page.
	evaluateTimeout = 10 * time.Second
)

// newRunID returns a sortable run identifier: UTC start time plus a
// short random suffix so two runs started in the same second stay
// distinct on disk.
func newRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// auditChain is the slice of the audit chain a run drives; tests
// substitute fakes.
type auditChain interface {
	Run(ctx context.Context, p *audits.Page, hooks audits.Hooks)
}

// runDeps are the process-wide collaborators a run borrows. The run
// owns only its limiter, writer, and random source.
type runDeps struct {
	bus      *events.Bus
	sessions sessions
	chain    auditChain
	loader   *sitemap.Loader
	metrics  *metrics.Metrics
	seed     int64
}

// Run is one audit execution. All mutable state sits behind mu; the
// worker goroutines of a run share nothing else.
type Run struct {
	id      string
	logger  logging.Logger
	cfg     *surveyor.AuditConfig
	bus     *events.Bus
	sess    sessions
	chain   auditChain
	loader  *sitemap.Loader
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	writer  *artifacts.Writer

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}

	// rng feeds retry jitter. Seeded per run so a run replays with
	// identical backoff timing.
	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	startedAt time.Time
	order     []string
	pages     map[string]*surveyor.PageStatus
	counts    surveyor.RunCounts
	scoreSum  map[string]float64
	scoreN    map[string]int
	failure   *surveyor.ErrorInfo
}

func newRun(id string, logger logging.Logger, cfg *surveyor.AuditConfig, deps runDeps) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:       id,
		logger:   logger,
		cfg:      cfg,
		bus:      deps.bus,
		sess:     deps.sessions,
		chain:    deps.chain,
		loader:   deps.loader,
		metrics:  deps.metrics,
		limiter:  ratelimit.New(cfg.MaxRequestsPerSecond, cfg.DelayMs),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(deps.seed)),
		pages:    make(map[string]*surveyor.PageStatus),
		scoreSum: make(map[string]float64),
		scoreN:   make(map[string]int),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed once the run has written its summary and published
// AuditCompleted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run. In-flight pages abort, the summary is still
// written. Safe to call more than once.
func (r *Run) Cancel() {
	r.cancelOnce.Do(r.cancel)
}

// execute drives the run to completion. It always ends with a summary
// attempt and an AuditCompleted event, also on fatal failures.
func (r *Run) execute() {
	defer close(r.done)

	ctx, cancelTimeout := context.WithTimeout(r.ctx, runTimeout)
	defer cancelTimeout()

	r.mu.Lock()
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"run_id":      r.id,
		"sitemap_url": r.cfg.SitemapURL,
		"concurrency": r.cfg.Concurrency,
	}).Info("Audit run started")
	r.publish(surveyor.Event{Type: surveyor.EventAuditStarted})

	w, err := artifacts.NewWriter(r.logger, r.cfg.OutputDir, r.id)
	if err != nil {
		r.recordFailure(err)
		r.complete()
		return
	}
	r.writer = w

	urls, err := r.collectURLs(ctx)
	if err != nil {
		r.recordFailure(err)
		r.complete()
		return
	}

	r.mu.Lock()
	r.counts.Total = len(urls)
	for _, u := range urls {
		r.order = append(r.order, u)
		r.pages[u] = &surveyor.PageStatus{URL: u, State: surveyor.StateQueued}
	}
	r.mu.Unlock()
	for _, u := range urls {
		r.publish(surveyor.Event{Type: surveyor.EventPageQueued, URL: u})
	}

	err = r.processAll(ctx, urls)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		r.logger.WithField("run_id", r.id).Info("Audit run canceled")
	case errors.Is(err, context.DeadlineExceeded):
		r.recordFailure(fmt.Errorf("run exceeded %s", runTimeout))
	default:
		r.recordFailure(err)
	}
	r.complete()
}

// collectURLs resolves the page list: an explicit URL list wins over
// sitemap discovery, then the include/exclude filter and page cap apply.
func (r *Run) collectURLs(ctx context.Context) ([]string, error) {
	filter, err := sitemap.NewFilter(r.cfg)
	if err != nil {
		return nil, err
	}

	list := r.cfg.URLs
	if len(list) == 0 {
		list, err = r.loader.Discover(ctx, r.cfg.SitemapURL)
		if err != nil {
			return nil, err
		}
	}

	urls := filter.Apply(list)
	r.logger.WithFields(logrus.Fields{
		"run_id":     r.id,
		"discovered": len(list),
		"selected":   len(urls),
	}).Info("Resolved audit URL list")
	return urls, nil
}

// processAll fans urls out over Concurrency workers. Only fatal errors
// propagate; per-URL failures are absorbed by processURL.
func (r *Run) processAll(ctx context.Context, urls []string) error {
	g, gctx := errgroup.WithContext(ctx)

	work := make(chan string)
	g.Go(func() error {
		defer close(work)
		for _, u := range urls {
			select {
			case work <- u:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	workers := r.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for u := range work {
				if err := r.processURL(gctx, u); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// complete writes summary.json when a writer exists and publishes the
// final AuditCompleted event.
func (r *Run) complete() {
	summary := r.buildSummary()
	if r.writer != nil {
		if _, err := r.writer.WriteSummary(summary); err != nil {
			r.logger.WithError(err).WithField("run_id", r.id).Error("Failed to write run summary")
		}
	}

	counts := summary.Counts
	r.publish(surveyor.Event{Type: surveyor.EventAuditCompleted, Counts: &counts})
	r.logger.WithFields(logrus.Fields{
		"run_id":     r.id,
		"total":      counts.Total,
		"finished":   counts.Finished,
		"errored":    counts.Errored,
		"skipped":    counts.Skipped,
		"redirected": counts.Redirected,
	}).Info("Audit run completed")
}

func (r *Run) buildSummary() *surveyor.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	pages := make([]surveyor.PageStatus, 0, len(r.order))
	for _, u := range r.order {
		pages = append(pages, *r.pages[u])
	}

	avg := make(map[string]float64, len(r.scoreSum))
	for k, sum := range r.scoreSum {
		if n := r.scoreN[k]; n > 0 {
			avg[k] = math.Round(sum/float64(n)*10) / 10
		}
	}

	return &surveyor.RunSummary{
		SchemaVersion: surveyor.SchemaVersion,
		RunID:         r.id,
		SitemapURL:    r.cfg.SitemapURL,
		StartedAt:     r.startedAt,
		FinishedAt:    time.Now().UTC(),
		Counts:        r.counts,
		AverageScores: avg,
		Pages:         pages,
		Configuration: r.cfg,
		Error:         r.failure,
	}
}

// publish stamps the event with the run id and current time and puts
// it on the bus.
func (r *Run) publish(ev surveyor.Event) {
	ev.RunID = r.id
	ev.Timestamp = time.Now().UTC()
	r.bus.Publish(ev)
	if r.metrics != nil && r.metrics.EventsPublished != nil {
		r.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	}
}

func (r *Run) recordFailure(err error) {
	r.logger.WithError(err).WithField("run_id", r.id).Error("Audit run failed")
	r.mu.Lock()
	if r.failure == nil {
		r.failure = surveyor.ErrorInfoFrom(err)
	}
	r.mu.Unlock()
}
