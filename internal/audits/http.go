package audits

import (
	"context"

	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// jsNavStatus reads the response status from the navigation entry. Used as
// a fallback when CDP events missed the main document, e.g. when it was
// served from a cache.
const jsNavStatus = `() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return (nav && nav.responseStatus) || 0;
}`

const jsNavTTFB = `() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return (nav && nav.responseStart) || 0;
}`

// HTTPModule records the network-level outcome of the navigation. It is
// always enabled and always runs first; an error status makes the rest of
// the chain skip rendering-dependent work.
type HTTPModule struct{}

func (HTTPModule) Name() string { return surveyor.ModuleHTTP }

func (m HTTPModule) Run(ctx context.Context, p *Page) error {
	res := HTTPResultFromNav(p.Nav)
	p.Artifact.HTTP = res

	if res.StatusCode == 0 {
		if v, err := p.Session.Eval(ctx, jsNavStatus); err == nil {
			res.StatusCode = v.Int()
		}
	}
	if res.TTFBMs == 0 {
		if v, err := p.Session.Eval(ctx, jsNavTTFB); err == nil {
			res.TTFBMs = v.Num()
		}
	}

	if res.StatusCode >= 400 {
		p.SkipRendering = true
	}
	return nil
}

// Skip is never reached for HTTP, which owns the skip decision, but the
// fragment contract is honored anyway.
func (m HTTPModule) Skip(p *Page) {
	if p.Artifact.HTTP == nil {
		p.Artifact.HTTP = &surveyor.HTTPResult{}
	}
}

// HTTPResultFromNav maps a recorded navigation onto the http fragment.
// Also used for the stub artifacts of pages that never reach the chain.
func HTTPResultFromNav(nav *browser.NavResult) *surveyor.HTTPResult {
	if nav == nil {
		return &surveyor.HTTPResult{}
	}
	return &surveyor.HTTPResult{
		StatusCode:    nav.Status,
		Headers:       nav.Headers,
		FinalURL:      nav.FinalURL,
		RedirectChain: RedirectTargets(nav.RedirectChain),
		TTFBMs:        nav.TTFBMs,
	}
}
