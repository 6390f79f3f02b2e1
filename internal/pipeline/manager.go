package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/internal/events"
	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/internal/sitemap"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// ErrClosed is returned by Start after the manager shut down.
var ErrClosed = errors.New("pipeline manager closed")

// Manager serializes audit runs: at most one executes at a time, the
// rest wait in submission order. The browser pool is the scarce
// resource behind this; two concurrent runs would starve each other.
type Manager struct {
	logger   logging.Logger
	bus      *events.Bus
	sessions sessions
	chain    auditChain
	loader   *sitemap.Loader
	metrics  *metrics.Metrics
	seed     func() int64

	mu      sync.Mutex
	runs    map[string]*Run
	queue   []*Run
	current *Run
	closed  bool
	wg      sync.WaitGroup
}

// NewManager wires a manager over the process-wide collaborators.
func NewManager(logger logging.Logger, bus *events.Bus, pool *browser.Pool, chain *audits.Chain, loader *sitemap.Loader, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:   logger,
		bus:      bus,
		sessions: poolSessions{pool: pool},
		chain:    chain,
		loader:   loader,
		metrics:  m,
		seed:     func() int64 { return time.Now().UnixNano() },
		runs:     make(map[string]*Run),
	}
}

// Start accepts a run and returns its id. The config must already be
// validated and defaulted; it is cloned so later caller mutation
// cannot reach the run.
func (m *Manager) Start(cfg *surveyor.AuditConfig) (string, error) {
	run := newRun(newRunID(), m.logger, cfg.Clone(), runDeps{
		bus:      m.bus,
		sessions: m.sessions,
		chain:    m.chain,
		loader:   m.loader,
		metrics:  m.metrics,
		seed:     m.seed(),
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.runs[run.id] = run
	m.observeActive()

	if m.current == nil {
		m.current = run
		m.wg.Add(1)
		go m.drive(run)
	} else {
		m.queue = append(m.queue, run)
		m.logger.WithFields(logrus.Fields{
			"run_id":   run.id,
			"position": len(m.queue),
		}).Info("Audit run queued")
	}
	return run.id, nil
}

// drive executes run, then promotes the next queued run.
func (m *Manager) drive(run *Run) {
	defer m.wg.Done()
	run.execute()

	m.mu.Lock()
	delete(m.runs, run.id)
	var next *Run
	if !m.closed && len(m.queue) > 0 {
		next = m.queue[0]
		m.queue = m.queue[1:]
	}
	m.current = next
	m.observeActive()
	if next != nil {
		m.wg.Add(1)
		go m.drive(next)
	}
	m.mu.Unlock()
}

// Cancel stops the named run. A queued run is silently dropped, an
// executing one aborts and still writes its summary. Reports whether
// the run was known.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	for i, queued := range m.queue {
		if queued == run {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			delete(m.runs, runID)
			m.observeActive()
			m.mu.Unlock()
			m.logger.WithField("run_id", runID).Info("Queued audit run canceled")
			return true
		}
	}
	m.mu.Unlock()

	m.logger.WithField("run_id", runID).Info("Audit run canceled")
	run.Cancel()
	return true
}

// ActiveRuns counts the executing run plus everything queued.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Close rejects new runs, drops the queue, cancels the executing run,
// and waits for it to finish its summary.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	current := m.current
	for _, queued := range m.queue {
		delete(m.runs, queued.id)
	}
	m.queue = nil
	m.observeActive()
	m.mu.Unlock()

	if current != nil {
		current.Cancel()
	}
	m.wg.Wait()
}

// observeActive is called with mu held.
func (m *Manager) observeActive() {
	if m.metrics != nil && m.metrics.ActiveItems != nil {
		m.metrics.ActiveItems.WithLabelValues("runs").Set(float64(len(m.runs)))
	}
}
