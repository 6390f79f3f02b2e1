package artifacts

import "regexp"

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)

// URLSlug maps a page URL to its artifact file stem. Every character
// outside [a-zA-Z0-9] becomes an underscore. The mapping is stable across
// runs and filesystem-safe, but not reversible; the artifact body carries
// the original URL.
func URLSlug(url string) string {
	return slugPattern.ReplaceAllString(url, "_")
}
