package htmlutil

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var tracer = otel.Tracer("lib/htmlutil")

// elements whose boundaries separate words even without whitespace in the
// markup, ex. <br> between the lines of an address
var separators = map[atom.Atom]bool{
	atom.Br:  true,
	atom.P:   true,
	atom.Div: true,
	atom.Li:  true,
	atom.Td:  true,
	atom.Th:  true,
	atom.Tr:  true,
}

// GetText returns the raw text under node.
func GetText(node *html.Node) string {
	var out strings.Builder
	writeText(node, &out)
	return out.String()
}

func writeText(node *html.Node, out *strings.Builder) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		out.WriteString(node.Data)
		return
	case html.ElementNode:
		if node.DataAtom == atom.Script || node.DataAtom == atom.Style {
			return
		}
		if separators[node.DataAtom] {
			out.WriteString("\n")
			defer out.WriteString("\n")
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		writeText(child, out)
	}
}

var whitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

// CleanText collapses whitespace, drops non printable characters and trims
// the result.
func CleanText(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = removeNonPrintable(s)
	return strings.TrimSpace(s)
}

// SelectionText is the cleaned text of every node in sel.
func SelectionText(sel *goquery.Selection) string {
	var out strings.Builder
	for _, n := range sel.Nodes {
		writeText(n, &out)
		out.WriteString(" ")
	}
	return CleanText(out.String())
}

type Anchor struct {
	Name string
	Href string
}

// GetAnchors returns the links of sel resolved against base, base may be nil
// to keep hrefs as they are. anchors without an href are skipped.
func GetAnchors(ctx context.Context, sel *goquery.Selection, base *url.URL) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	sel.Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		link, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			return
		}
		if base != nil {
			link = base.ResolveReference(link)
		}

		anchor := Anchor{
			Name: SelectionText(a),
			Href: link.String(),
		}
		anchors = append(anchors, anchor)
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", anchor.Name),
			attribute.String("url", anchor.Href),
		))
	})
	return anchors
}
