package htmlprocessor

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// domDocument implements Document interface using golang.org/x/net/html DOM parsing.
type domDocument struct {
	root *html.Node
}

// ParseWithDOM parses HTML bytes into a Document using DOM parsing.
func ParseWithDOM(htmlBytes []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}
	return &domDocument{root: root}, nil
}

// findAllElementsInParent returns all matching elements within parent.
func findAllElementsInParent(parent *html.Node, tag string) []*html.Node {
	if parent == nil {
		return nil
	}
	tag = strings.ToLower(tag)
	var results []*html.Node

	var search func(*html.Node)
	search = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.ToLower(n.Data) == tag {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}

	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		search(c)
	}
	return results
}

// getAttr returns attribute value for given name (case-insensitive comparison).
// Returns empty string if not found.
func getAttr(node *html.Node, name string) string {
	if node == nil {
		return ""
	}
	name = strings.ToLower(name)
	for _, attr := range node.Attr {
		if strings.ToLower(attr.Key) == name {
			return attr.Val
		}
	}
	return ""
}

// executableScriptTypes defines MIME types that indicate executable JavaScript.
var executableScriptTypes = map[string]bool{
	"text/javascript":        true,
	"module":                 true,
	"application/javascript": true,
}

// isExecutableScript checks if a node is an executable script element.
// Returns true for <script> tags with no type, empty type, or executable types.
func isExecutableScript(node *html.Node) bool {
	if node == nil || node.Type != html.ElementNode {
		return false
	}
	if strings.ToLower(node.Data) != "script" {
		return false
	}

	scriptType := strings.ToLower(strings.TrimSpace(getAttr(node, "type")))

	// Empty or whitespace-only type means executable
	if scriptType == "" {
		return true
	}

	return executableScriptTypes[scriptType]
}

// isScriptRelatedLink checks if a link element is script-related and should be removed.
// Returns true for import, modulepreload, or preload with as="script".
func isScriptRelatedLink(node *html.Node) bool {
	if node == nil || node.Type != html.ElementNode {
		return false
	}
	if strings.ToLower(node.Data) != "link" {
		return false
	}

	rel := strings.ToLower(getAttr(node, "rel"))

	switch rel {
	case "import", "modulepreload":
		return true
	case "preload":
		return strings.ToLower(getAttr(node, "as")) == "script"
	}

	return false
}

func (d *domDocument) StatusCodeOverride() (int, bool) {
	for _, meta := range findAllElementsInParent(d.root, "meta") {
		if !strings.EqualFold(strings.TrimSpace(getAttr(meta, "name")), StatusCodeMetaName) {
			continue
		}
		code, err := strconv.Atoi(strings.TrimSpace(getAttr(meta, "content")))
		if err != nil || code < 100 || code > 599 {
			return 0, false
		}
		return code, true
	}
	return 0, false
}

func (d *domDocument) CleanScripts() bool {
	var toRemove []*html.Node

	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isExecutableScript(n) || isScriptRelatedLink(n) {
				toRemove = append(toRemove, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(d.root)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}

	return len(toRemove) > 0
}

func (d *domDocument) HTML() []byte {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return nil
	}
	return buf.Bytes()
}
