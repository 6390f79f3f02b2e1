// Package audits holds the per-page audit modules and the chain that runs
// them in a fixed order against a rendered browser session.
package audits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"

	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// Session is the slice of a browser session the audit modules consume.
// *browser.Session satisfies it; tests substitute fakes.
type Session interface {
	Eval(ctx context.Context, js string) (gson.JSON, error)
	HTML(ctx context.Context) (string, error)
	SetViewport(ctx context.Context, width, height int, mobile bool) error
	ResetViewport(ctx context.Context) error
	Resources() []browser.Resource
	ConsoleErrors() []string
}

// Page carries one page through the chain: the rendered session, the
// navigation outcome, the run configuration, and the artifact the modules
// write their fragments into.
type Page struct {
	URL      string
	Nav      *browser.NavResult
	Session  Session
	Config   *surveyor.AuditConfig
	Artifact *surveyor.PageArtifact

	// SkipRendering is set by the HTTP module when the response status is
	// an error; later modules then emit empty fragments instead of
	// touching the page.
	SkipRendering bool
}

// Module is one audit. Run always leaves the module's fragment on the
// artifact, also when it returns an error; Skip leaves the empty fragment
// used when rendering-dependent work is skipped.
type Module interface {
	Name() string
	Run(ctx context.Context, p *Page) error
	Skip(p *Page)
}

// Hooks observe module boundaries. The pipeline maps them onto
// AuditAttached/AuditFinished events. Either hook may be nil.
type Hooks struct {
	Attached func(module string)
	Finished func(module string, err error)
}

// Chain runs the enabled modules in audit order. The HTTP module is always
// first and always enabled; the rest honor the run configuration.
type Chain struct {
	logger  logging.Logger
	modules []Module
}

// NewChain assembles the default chain. The accessibility analyzer is
// shared by reference so its hot reload benefits all runs.
func NewChain(logger logging.Logger, analyzer *Analyzer) *Chain {
	return &Chain{
		logger: logger,
		modules: []Module{
			HTTPModule{},
			PerformanceModule{},
			AccessibilityModule{Analyzer: analyzer},
			SEOModule{},
			ContentWeightModule{},
			MobileModule{},
		},
	}
}

// Modules returns the chain's modules in execution order.
func (c *Chain) Modules() []Module {
	return append([]Module(nil), c.modules...)
}

// Run drives every enabled module over the page. Module failures are
// contained: the fragment carries the error, the chain moves on.
func (c *Chain) Run(ctx context.Context, p *Page, hooks Hooks) {
	for _, m := range c.modules {
		if !p.Config.ModuleEnabled(m.Name()) {
			continue
		}

		if hooks.Attached != nil {
			hooks.Attached(m.Name())
		}

		var err error
		if p.SkipRendering && m.Name() != surveyor.ModuleHTTP {
			m.Skip(p)
		} else {
			err = c.runModule(ctx, m, p)
		}

		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"url":    p.URL,
				"module": m.Name(),
				"error":  err.Error(),
			}).Warn("Audit module failed")
		}
		if hooks.Finished != nil {
			hooks.Finished(m.Name(), err)
		}
	}
}

// runModule contains a module execution, turning panics into module errors
// so one broken audit cannot take the page down.
func (c *Chain) runModule(ctx context.Context, m Module, p *Page) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = surveyor.NewModuleError(m.Name(), fmt.Errorf("panic: %v", r))
			m.Skip(p)
			setFragmentError(p, m.Name(), err)
		}
	}()
	return m.Run(ctx, p)
}

// RedirectTargets extracts the hop targets from a recorded redirect chain,
// in the order the browser followed them.
func RedirectTargets(chain []browser.Redirect) []string {
	if len(chain) == 0 {
		return nil
	}
	targets := make([]string, len(chain))
	for i, hop := range chain {
		targets[i] = hop.To
	}
	return targets
}

// setFragmentError attaches err to whichever fragment module owns. Used on
// the panic path, where the module did not get to record it itself.
func setFragmentError(p *Page, module string, err error) {
	info := surveyor.ErrorInfoFrom(err)
	switch module {
	case surveyor.ModuleHTTP:
		if p.Artifact.HTTP != nil {
			p.Artifact.HTTP.Error = info
		}
	case surveyor.ModulePerformance:
		if p.Artifact.Perf != nil {
			p.Artifact.Perf.Error = info
		}
	case surveyor.ModuleAccessibility:
		if p.Artifact.A11y != nil {
			p.Artifact.A11y.Error = info
		}
	case surveyor.ModuleSEO:
		if p.Artifact.SEO != nil {
			p.Artifact.SEO.Error = info
		}
	case surveyor.ModuleContentWeight:
		if p.Artifact.ContentWeight != nil {
			p.Artifact.ContentWeight.Error = info
		}
	case surveyor.ModuleMobile:
		if p.Artifact.Mobile != nil {
			p.Artifact.Mobile.Error = info
		}
	}
}

// decode converts an in-page evaluation result into a typed struct via its
// JSON form. The injected scripts return fully populated objects, so
// missing fields mean a broken script, which surfaces as a decode error.
func decode(v gson.JSON, out interface{}) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode eval result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}
