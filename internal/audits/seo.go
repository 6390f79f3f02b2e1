package audits

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// SEOModule inspects the rendered markup: head metadata, heading
// structure, image and link hygiene, and structured data.
type SEOModule struct{}

func (SEOModule) Name() string { return surveyor.ModuleSEO }

func (m SEOModule) Run(ctx context.Context, p *Page) error {
	res := emptySEOResult()
	p.Artifact.SEO = res

	markup, err := p.Session.HTML(ctx)
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}
	res.HTMLBytes = len(markup)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		werr := surveyor.NewModuleError(m.Name(), err)
		res.Error = surveyor.ErrorInfoFrom(werr)
		return werr
	}

	res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	res.MetaDescription = doc.Find(`meta[name="description"]`).AttrOr("content", "")
	res.Canonical = doc.Find(`link[rel="canonical"]`).AttrOr("href", "")
	res.Robots = doc.Find(`meta[name="robots"]`).AttrOr("content", "")
	res.Viewport = doc.Find(`meta[name="viewport"]`).AttrOr("content", "")

	doc.Find("meta[property]").Each(func(_ int, s *goquery.Selection) {
		prop := s.AttrOr("property", "")
		if strings.HasPrefix(prop, "og:") {
			res.OpenGraph[strings.TrimPrefix(prop, "og:")] = s.AttrOr("content", "")
		}
	})
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name := s.AttrOr("name", "")
		if strings.HasPrefix(name, "twitter:") {
			res.TwitterCard[strings.TrimPrefix(name, "twitter:")] = s.AttrOr("content", "")
		}
	})

	for _, tag := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		doc.Find(tag).Each(func(_ int, s *goquery.Selection) {
			res.Headings[tag] = append(res.Headings[tag], strings.TrimSpace(s.Text()))
		})
	}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		res.Images.Total++
		alt, ok := s.Attr("alt")
		switch {
		case !ok:
			res.Images.WithoutAlt++
		case strings.TrimSpace(alt) == "":
			res.Images.EmptyAlt++
		default:
			res.Images.WithAlt++
		}
		if strings.EqualFold(s.AttrOr("loading", ""), "lazy") {
			res.Images.LazyLoaded++
		}
	})

	base := pageBase(p)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := s.AttrOr("href", "")
		if skipHref(href) {
			return
		}
		if strings.Contains(s.AttrOr("rel", ""), "nofollow") {
			res.Links.Nofollow++
		}
		if base == nil {
			return
		}
		abs, err := base.Parse(href)
		if err != nil {
			return
		}
		if abs.Host == base.Host {
			res.Links.Internal++
		} else {
			res.Links.External++
		}
	})

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		res.StructuredData = append(res.StructuredData, structuredDataTypes(s.Text())...)
	})

	res.ParagraphCount = doc.Find("p").Length()
	if nodes := doc.Find("body").Nodes; len(nodes) > 0 {
		res.WordCount = len(strings.Fields(visibleText(nodes[0])))
	}

	res.Score, res.Issues = scoreSEO(res)
	return nil
}

func (m SEOModule) Skip(p *Page) {
	if p.Artifact.SEO == nil {
		p.Artifact.SEO = emptySEOResult()
	}
}

func emptySEOResult() *surveyor.SEOResult {
	return &surveyor.SEOResult{
		OpenGraph:      map[string]string{},
		TwitterCard:    map[string]string{},
		Headings:       map[string][]string{},
		StructuredData: []string{},
		Issues:         []string{},
	}
}

// pageBase resolves the URL links are judged against, preferring the
// post-redirect address the browser ended up on.
func pageBase(p *Page) *url.URL {
	raw := p.URL
	if p.Nav != nil && p.Nav.FinalURL != "" {
		raw = p.Nav.FinalURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return base
}

func skipHref(href string) bool {
	return href == "" ||
		strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:")
}

// visibleText collects the text a visitor can actually read, skipping
// scripts, styles, page chrome, and hidden subtrees.
func visibleText(root *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "nav", "header", "footer", "aside", "form":
				return
			}
			for _, a := range n.Attr {
				if a.Key == "hidden" || (a.Key == "aria-hidden" && a.Val == "true") {
					return
				}
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String()
}

// structuredDataTypes extracts @type values from one ld+json block.
// Blocks can hold a single object, an array, or a @graph.
func structuredDataTypes(raw string) []string {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	var out []string
	var walk func(node interface{})
	walk = func(node interface{}) {
		switch n := node.(type) {
		case []interface{}:
			for _, item := range n {
				walk(item)
			}
		case map[string]interface{}:
			if t, ok := n["@type"].(string); ok {
				out = append(out, t)
			}
			if g, ok := n["@graph"]; ok {
				walk(g)
			}
		}
	}
	walk(v)
	return out
}

// scoreSEO applies flat deductions per finding. Thresholds follow common
// SERP display limits.
func scoreSEO(res *surveyor.SEOResult) (float64, []string) {
	score := 100.0
	issues := []string{}

	deduct := func(points float64, issue string) {
		score -= points
		issues = append(issues, issue)
	}

	if res.Title == "" {
		deduct(15, "missing title")
	} else if len(res.Title) > 60 {
		deduct(5, "title exceeds 60 characters")
	}
	if res.MetaDescription == "" {
		deduct(10, "missing meta description")
	} else if len(res.MetaDescription) > 160 {
		deduct(5, "meta description exceeds 160 characters")
	}
	switch h1s := len(res.Headings["h1"]); {
	case h1s == 0:
		deduct(10, "missing h1 heading")
	case h1s > 1:
		deduct(5, "multiple h1 headings")
	}
	if res.Images.WithoutAlt > 0 {
		deduct(10, fmt.Sprintf("images without alt text: %d", res.Images.WithoutAlt))
	}
	if res.Canonical == "" {
		deduct(5, "missing canonical link")
	}
	if res.Viewport == "" {
		deduct(5, "missing viewport meta tag")
	}
	if res.WordCount < 150 {
		deduct(10, "thin content: fewer than 150 words")
	}

	if score < 0 {
		score = 0
	}
	return score, issues
}
