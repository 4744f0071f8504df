// File: internal/perception/dom.go
// Description: DOM extraction helpers. Walks a parsed HTML tree, collects
// interactive elements with stable CSS selectors, and counts the indicators
// used for page classification.

package perception

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/prismbot/prism/api/schemas"
)

// indicators are the raw counters page classification is derived from.
type indicators struct {
	forms      int
	articles   int
	products   int
	logins     int
	searches   int
	headings   int
	paragraphs int
}

// interactiveTags are the tags always treated as interactive.
var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"form":     true,
}

// extract walks the document and returns interactive elements plus the
// classification indicators, in one pass.
func extract(doc *html.Node) ([]schemas.Element, indicators) {
	var elems []schemas.Element
	var ind indicators

	var walk func(n *html.Node, path string, siblingIdx map[string]int)
	walk = func(n *html.Node, path string, siblingIdx map[string]int) {
		if n.Type == html.ElementNode {
			attrs := attrMap(n)
			countIndicators(n.Data, attrs, &ind)

			seg := segment(n.Data, attrs, siblingIdx)
			selector := seg
			if attrs["id"] == "" && path != "" {
				selector = path + " > " + seg
			}

			if isInteractive(n.Data, attrs) {
				elems = append(elems, schemas.Element{
					Selector:    selector,
					Tag:         n.Data,
					ElementType: elementType(n.Data, attrs),
					Text:        collapseSpace(textOf(n)),
					Confidence:  baseConfidence(n.Data, attrs),
					Attributes:  relevantAttrs(attrs),
				})
			}

			childIdx := map[string]int{}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c, selector, childIdx)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, path, siblingIdx)
		}
	}
	walk(doc, "", map[string]int{})
	return elems, ind
}

// segment builds one CSS path segment for a node. An id short-circuits the
// whole path; otherwise the tag is disambiguated with :nth-of-type.
func segment(tag string, attrs map[string]string, siblingIdx map[string]int) string {
	if id := attrs["id"]; id != "" {
		return "#" + id
	}
	siblingIdx[tag]++
	return fmt.Sprintf("%s:nth-of-type(%d)", tag, siblingIdx[tag])
}

func attrMap(n *html.Node) map[string]string {
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[strings.ToLower(a.Key)] = a.Val
	}
	return m
}

func isInteractive(tag string, attrs map[string]string) bool {
	if interactiveTags[tag] {
		return true
	}
	if attrs["onclick"] != "" {
		return true
	}
	switch attrs["role"] {
	case "button", "link", "textbox", "searchbox", "combobox":
		return true
	}
	return false
}

// elementType names what kind of control an element is, folding the input
// type attribute in.
func elementType(tag string, attrs map[string]string) string {
	switch tag {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "select"
	case "textarea":
		return "text_input"
	case "form":
		return "form"
	case "input":
		switch attrs["type"] {
		case "password":
			return "password_input"
		case "search":
			return "search_input"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button":
			return "button"
		case "email", "text", "tel", "url", "number", "":
			return "text_input"
		default:
			return "input"
		}
	}
	if attrs["role"] != "" {
		return attrs["role"]
	}
	return "clickable"
}

func baseConfidence(tag string, attrs map[string]string) float64 {
	switch tag {
	case "button", "a":
		return 0.8
	case "input", "select", "textarea":
		return 0.7
	}
	return 0.5
}

// relevantAttrs keeps the attributes useful for matching and replay.
func relevantAttrs(attrs map[string]string) map[string]string {
	out := map[string]string{}
	for _, k := range []string{"id", "name", "type", "placeholder", "href", "value", "aria-label", "class", "role"} {
		if v := attrs[k]; v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// countIndicators accumulates the signals classification reads.
func countIndicators(tag string, attrs map[string]string, ind *indicators) {
	class := strings.ToLower(attrs["class"] + " " + attrs["id"])
	switch tag {
	case "form":
		ind.forms++
	case "article":
		ind.articles++
	case "h1", "h2", "h3":
		ind.headings++
	case "p":
		ind.paragraphs++
	case "input":
		switch attrs["type"] {
		case "password":
			ind.logins++
		case "search":
			ind.searches++
		}
	}
	if strings.Contains(class, "product") || strings.Contains(class, "item-") {
		ind.products++
	}
	if strings.Contains(class, "login") || strings.Contains(class, "signin") {
		ind.logins++
	}
	if strings.Contains(class, "search") {
		ind.searches++
	}
	if strings.Contains(class, "article") || strings.Contains(class, "post") {
		ind.articles++
	}
}

// classify decides the page type from the URL first, content second.
func classify(url string, ind indicators) schemas.PageType {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, "login") || strings.Contains(u, "signin") || strings.Contains(u, "auth"):
		return schemas.PageLogin
	case strings.Contains(u, "search") || strings.Contains(u, "results"):
		return schemas.PageSearch
	case strings.Contains(u, "product") || strings.Contains(u, "item") || strings.Contains(u, "shop"):
		return schemas.PageListing
	}
	switch {
	case ind.logins > 0:
		return schemas.PageLogin
	case ind.searches > 2:
		return schemas.PageSearch
	case ind.products > 3:
		return schemas.PageListing
	case ind.articles > 0:
		return schemas.PageArticle
	case ind.forms > 0:
		return schemas.PageForm
	}
	return schemas.PageUnknown
}

// textOf flattens the text content under a node.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
