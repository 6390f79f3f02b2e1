package audits

import (
	"context"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// jsCollectMetrics gathers Navigation Timing values plus the observer
// snapshot installed before navigation. Every field is a number; inp is
// -1 when the page saw no qualifying interaction.
const jsCollectMetrics = `() => {
	const nav = performance.getEntriesByType('navigation')[0] || {};
	const m = window.__surveyorMetrics || {};
	return {
		ttfb: nav.responseStart || 0,
		dcl: nav.domContentLoadedEventEnd || 0,
		load: nav.loadEventEnd || 0,
		fcp: m.fcp || 0,
		lcp: m.lcp || 0,
		cls: m.cls || 0,
		inp: (typeof m.inp === 'number') ? m.inp : -1,
		tbt: m.tbt || 0
	};
}`

type perfSample struct {
	TTFB float64 `json:"ttfb"`
	DCL  float64 `json:"dcl"`
	Load float64 `json:"load"`
	FCP  float64 `json:"fcp"`
	LCP  float64 `json:"lcp"`
	CLS  float64 `json:"cls"`
	INP  float64 `json:"inp"`
	TBT  float64 `json:"tbt"`
}

// PerformanceModule measures Core Web Vitals and loading milestones and
// scores them against the configured performance budget.
type PerformanceModule struct{}

func (PerformanceModule) Name() string { return surveyor.ModulePerformance }

func (m PerformanceModule) Run(ctx context.Context, p *Page) error {
	res := &surveyor.PerfResult{Budget: p.Config.PerformanceBudget}
	p.Artifact.Perf = res

	v, err := p.Session.Eval(ctx, jsCollectMetrics)
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	var sample perfSample
	if err := decode(v, &sample); err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	res.TTFBMs = sample.TTFB
	if res.TTFBMs == 0 && p.Nav != nil {
		res.TTFBMs = p.Nav.TTFBMs
	}
	res.FCPMs = sample.FCP
	res.LCPMs = sample.LCP
	res.CLSScore = sample.CLS
	res.DomContentLoadedMs = sample.DCL
	res.LoadEventEndMs = sample.Load
	res.TBTMs = sample.TBT
	if sample.INP >= 0 {
		inp := sample.INP
		res.INPMs = &inp
	}

	values := map[string]float64{
		metricLCP:  res.LCPMs,
		metricFCP:  res.FCPMs,
		metricCLS:  res.CLSScore,
		metricTTFB: res.TTFBMs,
		metricTBT:  res.TBTMs,
	}
	if res.INPMs != nil {
		values[metricINP] = *res.INPMs
	}
	res.Score = scoreMetrics(res.Budget, values)
	res.Grade = gradeFor(res.Score)
	return nil
}

func (m PerformanceModule) Skip(p *Page) {
	if p.Artifact.Perf == nil {
		p.Artifact.Perf = &surveyor.PerfResult{}
	}
}
