package chrome

import (
	"strings"

	"github.com/edgecomet/prerender/pkg/pattern"
)

// defaultBlockedPatterns are analytics, ads and embeds that never change the rendered DOM
// in a way crawlers care about. Applied whenever request blocking is enabled.
var defaultBlockedPatterns = []string{
	"*doubleclick.net*",
	"*google-analytics.com*",
	"*analytics.google.com*",
	"*googleadservices.com*",
	"*googlesyndication.com*",
	"*googletagmanager.com*",
	"*googletagservices.com*",
	"*facebook.net*",
	"*connect.facebook.com*",
	"*hotjar.com*",
	"*clarity.ms*",
	"*static.cloudflareinsights.com*",
	"*youtube.com/embed*",
}

// Blocklist decides which subresource requests a render aborts
type Blocklist struct {
	patterns      []*pattern.Pattern
	resourceTypes map[string]struct{}
}

// NewBlocklistWithResourceTypes compiles the default patterns plus custom ones.
// Invalid custom patterns are skipped; config validation rejects them earlier.
// Resource types are CDP names (Image, Media, Font, Stylesheet, ...) and match case-insensitively.
func NewBlocklistWithResourceTypes(customPatterns []string, resourceTypes []string) *Blocklist {
	bl := &Blocklist{
		patterns:      make([]*pattern.Pattern, 0, len(defaultBlockedPatterns)+len(customPatterns)),
		resourceTypes: make(map[string]struct{}, len(resourceTypes)),
	}

	for _, raw := range append(append([]string{}, defaultBlockedPatterns...), customPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if compiled, err := pattern.Compile(raw); err == nil {
			bl.patterns = append(bl.patterns, compiled)
		}
	}

	for _, rt := range resourceTypes {
		if rt = strings.TrimSpace(rt); rt != "" {
			bl.resourceTypes[strings.ToLower(rt)] = struct{}{}
		}
	}

	return bl
}

// IsBlocked matches the full request URL against every pattern
func (bl *Blocklist) IsBlocked(requestURL string) bool {
	for _, p := range bl.patterns {
		if p.Match(requestURL) {
			return true
		}
	}
	return false
}

func (bl *Blocklist) IsResourceTypeBlocked(resourceType string) bool {
	if len(bl.resourceTypes) == 0 {
		return false
	}
	_, blocked := bl.resourceTypes[strings.ToLower(resourceType)]
	return blocked
}
