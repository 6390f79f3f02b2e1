package pipeline

import (
	"context"
	"time"

	"github.com/ysmood/gson"

	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
)

// Session is the per-page browser surface a run worker drives: the audit
// module slice plus navigation and screenshot capture. *browser.Session
// satisfies it; pipeline tests substitute fakes.
type Session interface {
	audits.Session
	Navigate(ctx context.Context, target string) (*browser.NavResult, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// sessions hands out exclusive browser sessions to run workers.
type sessions interface {
	Acquire(ctx context.Context) (Session, error)
	Release(s Session)
}

// poolSessions adapts the process-wide browser pool.
type poolSessions struct {
	pool *browser.Pool
}

func (p poolSessions) Acquire(ctx context.Context) (Session, error) {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p poolSessions) Release(s Session) {
	if bs, ok := s.(*browser.Session); ok {
		p.pool.Release(bs)
	}
}

// timedSession bounds every page evaluation independently, so a single
// hung script cannot eat the whole attempt. Navigation keeps its own,
// longer deadline; the passthrough methods only read recorded state.
type timedSession struct {
	session Session
	timeout time.Duration
}

func (t timedSession) Eval(ctx context.Context, js string) (gson.JSON, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.session.Eval(ctx, js)
}

func (t timedSession) HTML(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.session.HTML(ctx)
}

func (t timedSession) SetViewport(ctx context.Context, width, height int, mobile bool) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.session.SetViewport(ctx, width, height, mobile)
}

func (t timedSession) ResetViewport(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.session.ResetViewport(ctx)
}

func (t timedSession) Resources() []browser.Resource {
	return t.session.Resources()
}

func (t timedSession) ConsoleErrors() []string {
	return t.session.ConsoleErrors()
}
