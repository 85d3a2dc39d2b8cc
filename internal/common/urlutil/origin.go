package urlutil

import (
	"net/url"
	"strings"
)

// SameSite reports whether requestURL targets the host of baseURL or one of its
// subdomains (or the reverse). Ports and scheme are ignored.
func SameSite(baseURL, requestURL string) bool {
	base := hostname(baseURL)
	req := hostname(requestURL)
	if base == "" || req == "" {
		return false
	}

	return base == req ||
		strings.HasSuffix(req, "."+base) ||
		strings.HasSuffix(base, "."+req)
}

// StripFragment returns rawURL without its #fragment
func StripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
