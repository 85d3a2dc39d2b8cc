// Package requestid derives the identifier attached to every job and response.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// HeaderName carries the request ID in both directions
const HeaderName = "X-Request-ID"

const (
	// MaxLength matches the length of a UUID string
	MaxLength    = 36
	PrefixLength = 5
	// MaxCustomLength leaves room for the prefix and its separator
	MaxCustomLength = MaxLength - PrefixLength - 1
)

// FromRequest returns an ID for ctx, derived from an inbound X-Request-ID when present
func FromRequest(ctx *fasthttp.RequestCtx) string {
	return Generate(string(ctx.Request.Header.Peek(HeaderName)))
}

// Generate builds "<5 random hex>-<sanitized custom>" from a caller supplied ID.
// Only [a-zA-Z0-9-] survive sanitization, spaces become hyphens and runs of hyphens collapse.
// An empty result falls back to a UUID.
func Generate(custom string) string {
	sanitized := sanitize(custom)
	if sanitized == "" {
		return uuid.NewString()
	}

	if len(sanitized) > MaxCustomLength {
		sanitized = strings.TrimRight(sanitized[:MaxCustomLength], "-")
	}

	return randomPrefix() + "-" + sanitized
}

func sanitize(custom string) string {
	var b strings.Builder
	b.Grow(len(custom))

	lastHyphen := true // suppresses leading hyphens
	for _, r := range custom {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	return strings.TrimRight(b.String(), "-")
}

func randomPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()[:PrefixLength]
	}
	return hex.EncodeToString(buf)[:PrefixLength]
}
