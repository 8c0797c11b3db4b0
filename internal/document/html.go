package document

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ExtractHTML walks the parsed tree and keeps visible text. Block elements
// become paragraphs and table cells are tab separated.
func ExtractHTML(data []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	w := &htmlWalker{}
	w.walk(root, 0)

	text := normalize(w.sb.String())
	st := analyze(text)
	st.HasTables = st.HasTables || w.tables > 0
	st.ProfessionalFormatting = st.ProfessionalFormatting || w.headings >= 3
	return &Document{Format: FormatHTML, Text: text, Pages: 1, Structure: st}, nil
}

type htmlWalker struct {
	sb       strings.Builder
	tables   int
	headings int
}

func (w *htmlWalker) walk(n *html.Node, depth int) {
	if depth > 200 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			w.sb.WriteString(text)
			w.sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "template", "head":
			return
		case "table":
			w.tables++
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.headings++
		}
		if isBlock(n.Data) {
			w.sb.WriteString("\n\n")
		}
		switch n.Data {
		case "br", "tr":
			w.sb.WriteString("\n")
		case "td", "th":
			w.sb.WriteString("\t")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, depth+1)
	}

	if n.Type == html.ElementNode && isBlock(n.Data) {
		w.sb.WriteString("\n\n")
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "table", "ul", "ol", "li", "blockquote", "pre",
		"h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}
