package version

import "strings"

// Injected at build time via ldflags:
//
//	go build -ldflags "\
//	  -X github.com/casoon/auditmysite-studio-sub003/pkg/version.Version=v1.4.0 \
//	  -X github.com/casoon/auditmysite-studio-sub003/pkg/version.GitCommit=$(git rev-parse HEAD) \
//	  -X github.com/casoon/auditmysite-studio-sub003/pkg/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// ShortCommit returns the abbreviated commit hash used in startup
// banners and the crawler user agent.
func ShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// UserAgent identifies the crawler to audited sites. Tagged builds
// report the release version, dev builds report the commit so stray
// crawls can be traced back to a working copy.
func UserAgent() string {
	if Version != "dev" {
		return "SurveyorBot/" + strings.TrimPrefix(Version, "v")
	}
	return "SurveyorBot/dev-" + ShortCommit()
}
