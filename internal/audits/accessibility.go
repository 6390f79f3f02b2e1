package audits

import (
	"context"
	"errors"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

var errAnalyzerNotInstalled = errors.New("analyzer bundle did not install __surveyorA11y")

// jsRunAnalyzer invokes the installed analyzer. The bundle's run() is
// synchronous and returns { violations: [...] }.
const jsRunAnalyzer = `() => {
	if (!window.__surveyorA11y || typeof window.__surveyorA11y.run !== 'function') {
		return { violations: [], missing: true };
	}
	const out = window.__surveyorA11y.run(document) || {};
	return { violations: out.violations || [], missing: false };
}`

type a11ySample struct {
	Violations []surveyor.A11yViolation `json:"violations"`
	Missing    bool                     `json:"missing"`
}

// AccessibilityModule evaluates the analyzer bundle in the page and
// collects the violations it reports. When the bundle is missing the
// fragment carries a module error and an empty violation list.
type AccessibilityModule struct {
	Analyzer *Analyzer
}

func (AccessibilityModule) Name() string { return surveyor.ModuleAccessibility }

func (m AccessibilityModule) Run(ctx context.Context, p *Page) error {
	res := &surveyor.A11yResult{Violations: []surveyor.A11yViolation{}}
	p.Artifact.A11y = res

	bundle, err := m.Analyzer.Bundle()
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	if _, err := p.Session.Eval(ctx, wrapBundle(bundle)); err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	v, err := p.Session.Eval(ctx, jsRunAnalyzer)
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	var sample a11ySample
	if err := decode(v, &sample); err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	if sample.Missing {
		werr := surveyor.NewModuleError(m.Name(), errAnalyzerNotInstalled)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	if sample.Violations != nil {
		res.Violations = sample.Violations
	}
	return nil
}

func (m AccessibilityModule) Skip(p *Page) {
	if p.Artifact.A11y == nil {
		p.Artifact.A11y = &surveyor.A11yResult{Violations: []surveyor.A11yViolation{}}
	}
}

// wrapBundle turns the analyzer script into an evaluable function body.
// The bundle attaches its API to window, so function scoping is fine.
func wrapBundle(bundle string) string {
	return "() => {\n" + bundle + "\n}"
}
