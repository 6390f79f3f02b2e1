package audits

import (
	"context"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// ContentWeightModule aggregates the session's network accounting into
// per-type transfer totals and flags heavy pages.
type ContentWeightModule struct{}

func (ContentWeightModule) Name() string { return surveyor.ModuleContentWeight }

func (m ContentWeightModule) Run(ctx context.Context, p *Page) error {
	res := &surveyor.ContentWeightResult{
		ByType: map[string]surveyor.ResourceStat{},
		Issues: []string{},
	}
	p.Artifact.ContentWeight = res

	var totalDecoded int64
	for _, r := range p.Session.Resources() {
		kind := normalizeResourceType(r.Type)
		stat := res.ByType[kind]
		stat.Count++
		stat.TransferBytes += r.TransferBytes
		stat.DecodedBytes += r.DecodedBytes
		res.ByType[kind] = stat

		res.TotalRequests++
		res.TotalTransferBytes += r.TransferBytes
		totalDecoded += r.DecodedBytes
	}
	if totalDecoded > 0 {
		res.CompressionRatio = float64(res.TotalTransferBytes) / float64(totalDecoded)
	}

	res.Score, res.Issues = scoreContentWeight(res, totalDecoded)
	return nil
}

func (m ContentWeightModule) Skip(p *Page) {
	if p.Artifact.ContentWeight == nil {
		p.Artifact.ContentWeight = &surveyor.ContentWeightResult{
			ByType: map[string]surveyor.ResourceStat{},
			Issues: []string{},
		}
	}
}

// normalizeResourceType folds CDP resource types into the stable keys the
// artifact uses. Streaming fetches land under xhr.
func normalizeResourceType(t string) string {
	switch t {
	case "Document":
		return "document"
	case "Script":
		return "script"
	case "Stylesheet":
		return "stylesheet"
	case "Image":
		return "image"
	case "Font":
		return "font"
	case "Media":
		return "media"
	case "XHR", "Fetch", "EventSource", "WebSocket":
		return "xhr"
	default:
		return "other"
	}
}

const (
	kib = 1024
	mib = 1024 * kib
)

func scoreContentWeight(res *surveyor.ContentWeightResult, totalDecoded int64) (float64, []string) {
	score := 100.0
	issues := []string{}

	deduct := func(points float64, issue string) {
		score -= points
		issues = append(issues, issue)
	}

	switch {
	case res.TotalTransferBytes > 4*mib:
		deduct(25, "total transfer exceeds 4 MiB")
	case res.TotalTransferBytes > 2*mib:
		deduct(10, "total transfer exceeds 2 MiB")
	}
	if img := res.ByType["image"]; img.TransferBytes > 1536*kib {
		deduct(10, "image transfer exceeds 1.5 MiB")
	}
	if js := res.ByType["script"]; js.TransferBytes > 768*kib {
		deduct(10, "script transfer exceeds 768 KiB")
	}
	if res.TotalRequests > 150 {
		deduct(10, "more than 150 requests")
	}
	if totalDecoded > 256*kib && res.CompressionRatio > 0.9 {
		deduct(10, "responses are mostly uncompressed")
	}

	if score < 0 {
		score = 0
	}
	return score, issues
}
