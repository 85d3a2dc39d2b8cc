package urlutil

import (
	"net/url"
	"strings"
)

// EscapedFragmentParam is the query parameter crawlers use to request the "#!" state of a page.
const EscapedFragmentParam = "_escaped_fragment_"

// NormalizeEscapedFragment rewrites a request URI that carries _escaped_fragment_ back into its
// hashbang form: "/path?a=1&_escaped_fragment_=key=v" becomes "/path?a=1#!key=v".
// Remaining query parameters keep their order and encoding. A URI without the parameter is
// returned unchanged, which makes the transform idempotent.
func NormalizeEscapedFragment(requestURI string) string {
	rest, _, _ := strings.Cut(requestURI, "#")
	path, rawQuery, hasQuery := strings.Cut(rest, "?")
	if !hasQuery {
		return requestURI
	}

	var (
		kept     []string
		fragment string
		found    bool
	)
	for _, segment := range strings.Split(rawQuery, "&") {
		rawKey, rawValue, _ := strings.Cut(segment, "=")
		if unescapeQuery(rawKey) != EscapedFragmentParam {
			kept = append(kept, segment)
			continue
		}
		if !found {
			fragment = unescapeQuery(rawValue)
			found = true
		}
	}
	if !found {
		return requestURI
	}

	var sb strings.Builder
	sb.Grow(len(requestURI) + 2)
	sb.WriteString(path)
	if len(kept) > 0 {
		sb.WriteByte('?')
		sb.WriteString(strings.Join(kept, "&"))
	}
	sb.WriteByte('#')
	sb.WriteString((&url.URL{Fragment: "!" + fragment}).EscapedFragment())
	return sb.String()
}

// JoinBase appends target to base with exactly one "/" between them.
func JoinBase(base, target string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(target, "/")
}

func unescapeQuery(s string) string {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		return unescaped
	}
	return s
}
