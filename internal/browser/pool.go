package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// ErrPoolClosed is returned by Acquire after the pool has been shut down.
var ErrPoolClosed = errors.New("browser pool is closed")

// defaultMaxSessionUses bounds how many navigations a Chromium process
// serves before it is recycled. Long-lived renderers leak memory.
const defaultMaxSessionUses = 32

// Pool hands out browser sessions to pipeline workers. Sessions are
// launched lazily up to the configured size and returned for reuse after
// each page. Crashed or worn-out sessions are replaced transparently. The
// pool outlives individual runs; Close is called once at shutdown.
type Pool struct {
	logger  logging.Logger
	opts    LaunchOptions
	metrics *metrics.Metrics
	size    int
	maxUses int64

	// launch is swapped out in tests.
	launch func(id string) (*Session, error)

	mu        sync.Mutex
	live      int
	launched  int
	closed    bool
	launchErr error
	idle      chan *Session
}

// NewPool creates a pool that launches at most size concurrent Chromium
// processes with the given options. Metrics may be nil.
func NewPool(logger logging.Logger, size int, opts LaunchOptions, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		logger:  logger,
		opts:    opts,
		metrics: m,
		size:    size,
		maxUses: defaultMaxSessionUses,
		idle:    make(chan *Session, size),
	}
	p.launch = func(id string) (*Session, error) {
		return newSession(logger, id, opts)
	}
	return p
}

// Acquire returns a session for exclusive use. It launches a new browser
// when the pool is below capacity, otherwise it waits for a release. The
// caller must Release the session, crashed or not.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Reuse an idle session when one is parked. A Chromium process can
		// die while idle, so crashed sessions are replaced here too.
		select {
		case s := <-p.idle:
			if s.Crashed() {
				p.live--
				p.observeLocked()
				p.mu.Unlock()
				p.retire(s)
				continue
			}
			p.observeLocked()
			p.mu.Unlock()
			return s, nil
		default:
		}

		// Below capacity: launch a fresh browser.
		if p.live < p.size {
			p.live++
			p.launched++
			id := fmt.Sprintf("session-%d", p.launched)
			p.observeLocked()
			p.mu.Unlock()

			s, err := p.launch(id)

			p.mu.Lock()
			if err != nil {
				p.live--
				p.launchErr = err
			} else {
				p.launchErr = nil
			}
			p.observeLocked()
			closed := p.closed
			p.mu.Unlock()

			if err != nil {
				p.countLaunch("error")
				return nil, err
			}
			p.countLaunch("ok")
			if closed {
				p.retire(s)
				return nil, ErrPoolClosed
			}
			return s, nil
		}
		p.mu.Unlock()

		// At capacity: wait for a release or shutdown.
		select {
		case s, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.retire(s)
				return nil, ErrPoolClosed
			}
			if s.Crashed() {
				p.live--
				p.observeLocked()
				p.mu.Unlock()
				p.retire(s)
				continue
			}
			p.observeLocked()
			p.mu.Unlock()
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a session to the pool. Crashed sessions and sessions
// past their use budget are torn down instead; the next Acquire launches a
// fresh replacement.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	recycle := s.Crashed() || (p.maxUses > 0 && s.Uses() >= p.maxUses)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(s)
		return
	}
	if recycle {
		p.live--
		p.observeLocked()
		p.mu.Unlock()

		reason := "worn"
		if s.Crashed() {
			reason = "crashed"
		}
		p.logger.WithFields(logrus.Fields{
			"session_id": s.ID(),
			"reason":     reason,
			"uses":       s.Uses(),
		}).Info("Recycling browser session")
		p.retire(s)
		return
	}

	select {
	case p.idle <- s:
		p.observeLocked()
		p.mu.Unlock()
	default:
		// More releases than capacity means a bookkeeping bug upstream;
		// drop the extra session rather than block.
		p.live--
		p.observeLocked()
		p.mu.Unlock()
		p.retire(s)
	}
}

// WithSession runs fn with an acquired session and releases it afterwards,
// including when fn panics.
func (p *Pool) WithSession(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// Size returns the configured capacity and the number of live sessions.
func (p *Pool) Size() (capacity, live int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size, p.live
}

// LastLaunchError reports the most recent browser launch failure, or nil
// once a launch has succeeded again. Used by the health surface.
func (p *Pool) LastLaunchError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launchErr
}

// Close tears down all idle sessions and rejects further acquires.
// Sessions still checked out are closed by their Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.live = 0
	close(p.idle)
	p.observeLocked()
	p.mu.Unlock()

	for s := range p.idle {
		p.retire(s)
	}
	p.logger.Info("Browser pool closed")
}

func (p *Pool) retire(s *Session) {
	s.Close()
}

// observeLocked refreshes the session gauges. Callers hold p.mu.
func (p *Pool) observeLocked() {
	if p.metrics == nil || p.metrics.BrowserSessions == nil {
		return
	}
	p.metrics.BrowserSessions.WithLabelValues("live").Set(float64(p.live))
	p.metrics.BrowserSessions.WithLabelValues("idle").Set(float64(len(p.idle)))
}

func (p *Pool) countLaunch(status string) {
	if p.metrics == nil || p.metrics.BrowserLaunches == nil {
		return
	}
	p.metrics.BrowserLaunches.WithLabelValues("demand", status).Inc()
}
