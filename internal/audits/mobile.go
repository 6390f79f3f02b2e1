package audits

import (
	"context"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// Phone-class viewport used for the mobile checks.
const (
	mobileViewportWidth  = 360
	mobileViewportHeight = 800
)

// jsMobileChecks inspects the page under the emulated viewport. Targets
// with a zero-sized rect are invisible and not counted.
const jsMobileChecks = `() => {
	const meta = document.querySelector('meta[name="viewport"]');
	const targets = document.querySelectorAll('a, button, input, select, textarea, [role="button"]');
	let checked = 0, small = 0;
	targets.forEach((el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return;
		checked++;
		if (r.width < 44 || r.height < 44) small++;
	});
	const font = document.body ? (parseFloat(getComputedStyle(document.body).fontSize) || 0) : 0;
	return {
		viewportMeta: !!meta,
		viewportContent: (meta && meta.getAttribute('content')) || '',
		targetsChecked: checked,
		smallTargets: small,
		fontPx: font,
		overflow: document.documentElement.scrollWidth > window.innerWidth + 1
	};
}`

type mobileSample struct {
	ViewportMeta    bool    `json:"viewportMeta"`
	ViewportContent string  `json:"viewportContent"`
	TargetsChecked  int     `json:"targetsChecked"`
	SmallTargets    int     `json:"smallTargets"`
	FontPx          float64 `json:"fontPx"`
	Overflow        bool    `json:"overflow"`
}

// MobileModule re-measures the page under a phone viewport: viewport
// meta, touch target sizes, base font size, and horizontal overflow.
type MobileModule struct{}

func (MobileModule) Name() string { return surveyor.ModuleMobile }

func (m MobileModule) Run(ctx context.Context, p *Page) error {
	res := &surveyor.MobileResult{Issues: []string{}}
	p.Artifact.Mobile = res

	if err := p.Session.SetViewport(ctx, mobileViewportWidth, mobileViewportHeight, true); err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	// The reset uses a fresh context so a page deadline cannot leave the
	// session stuck on the phone viewport for the next page.
	defer func() { _ = p.Session.ResetViewport(context.Background()) }()

	v, err := p.Session.Eval(ctx, jsMobileChecks)
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	var sample mobileSample
	if err := decode(v, &sample); err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	res.ViewportMeta = sample.ViewportMeta
	res.ViewportContent = sample.ViewportContent
	res.TouchTargetsChecked = sample.TargetsChecked
	res.SmallTouchTargets = sample.SmallTargets
	res.BodyFontSizePx = sample.FontPx
	res.HorizontalOverflow = sample.Overflow

	res.Score, res.Issues = scoreMobile(res)
	return nil
}

func (m MobileModule) Skip(p *Page) {
	if p.Artifact.Mobile == nil {
		p.Artifact.Mobile = &surveyor.MobileResult{Issues: []string{}}
	}
}

func scoreMobile(res *surveyor.MobileResult) (float64, []string) {
	score := 100.0
	issues := []string{}

	deduct := func(points float64, issue string) {
		score -= points
		issues = append(issues, issue)
	}

	if !res.ViewportMeta {
		deduct(30, "missing viewport meta tag")
	}
	if res.TouchTargetsChecked > 0 && res.SmallTouchTargets > 0 {
		ratio := float64(res.SmallTouchTargets) / float64(res.TouchTargetsChecked)
		points := 25 * ratio
		if points > 25 {
			points = 25
		}
		deduct(points, "touch targets smaller than 44px")
	}
	if res.BodyFontSizePx > 0 && res.BodyFontSizePx < 12 {
		deduct(15, "base font size below 12px")
	}
	if res.HorizontalOverflow {
		deduct(20, "content overflows the viewport horizontally")
	}

	if score < 0 {
		score = 0
	}
	return score, issues
}
