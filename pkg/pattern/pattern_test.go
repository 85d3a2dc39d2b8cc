package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_DetectsType(t *testing.T) {
	tests := []struct {
		raw      string
		expected PatternType
	}{
		{"/robots.txt", PatternTypeExact},
		{"*.css", PatternTypeWildcard},
		{`~\.js$`, PatternTypeRegexp},
		{`~*\.(png|gif)$`, PatternTypeRegexp},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := Compile(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Type)
			assert.Equal(t, tt.raw, p.String())
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)

	_, err = Compile("~([a-z")
	assert.Error(t, err)

	assert.Panics(t, func() { MustCompile("~*(") })
}

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    bool
	}{
		{"exact ignores case", "/Robots.txt", "/robots.TXT", true},
		{"exact rejects prefix", "/robots.txt", "/robots.txt?x=1", false},
		{"wildcard suffix", "*.css", "/assets/site.CSS", true},
		{"wildcard spans slashes", "/assets/*", "/assets/img/logo.png", true},
		{"wildcard middle parts in order", "/a/*/b/*.js", "/a/x/y/b/z.js", true},
		{"wildcard middle parts missing", "/a/*/b/*.js", "/a/x/c/z.js", false},
		{"regexp case sensitive", `~\.JS$`, "/app.js", false},
		{"regexp case insensitive", `~*\.JS$`, "/app.js", true},
		{"regexp with query", `~*^[^?]*\.(png|jpe?g)(\?.*)?$`, "/img/a.jpeg?v=3", true},
		{"regexp query does not fake extension", `~*^[^?]*\.(png|jpe?g)(\?.*)?$`, "/page?img=a.png", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := MustCompile(tt.pattern)
			assert.Equal(t, tt.want, p.Match(tt.input))
		})
	}
}

func TestPattern_NilMatchesNothing(t *testing.T) {
	var p *Pattern
	assert.False(t, p.Match("/anything"))
	assert.Equal(t, "", p.String())
}

func TestMatchWildcard(t *testing.T) {
	assert.True(t, MatchWildcard("anything", "*"))
	assert.True(t, MatchWildcard("document.pdf", "*.pdf"))
	assert.True(t, MatchWildcard("exact", "exact"))
	assert.False(t, MatchWildcard("exact", "other"))
	assert.False(t, MatchWildcard("ab", "a*b*c"))
}
