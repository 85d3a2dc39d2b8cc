package htmlprocessor

// StatusCodeMetaName is the meta tag a page uses to ask for a different HTTP status
const StatusCodeMetaName = "prerender-status-code"

// Document provides methods for post-processing rendered HTML.
type Document interface {
	// StatusCodeOverride returns the status requested by
	// <meta name="prerender-status-code" content="404">.
	// ok is false when the tag is missing or its content is not a valid HTTP status.
	StatusCodeOverride() (code int, ok bool)

	// CleanScripts removes executable script elements.
	// Returns true if any were removed.
	CleanScripts() bool

	// HTML returns current HTML as bytes (re-serialized from DOM).
	HTML() []byte
}
