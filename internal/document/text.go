package document

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
	numericCol = regexp.MustCompile(`\(?[$€£]?-?\d[\d,]*(\.\d+)?%?\)?`)
)

// ExtractText reads plain text. Invalid UTF-8 is replaced.
func ExtractText(data []byte) (*Document, error) {
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	text := normalize(s)
	return &Document{Format: FormatText, Text: text, Pages: 1, Structure: analyze(text)}, nil
}

// normalize trims lines, collapses horizontal whitespace and keeps at most
// one blank line between paragraphs.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// analyze derives layout signals from normalized text.
func analyze(text string) Structure {
	var st Structure
	tableRows, headings := 0, 0
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		st.Paragraphs++
		for _, line := range strings.Split(para, "\n") {
			if len(numericCol.FindAllString(line, -1)) >= 3 {
				tableRows++
			}
			if isHeading(line) {
				headings++
			}
		}
	}
	st.HasTables = tableRows >= 3
	st.HasStructuredContent = st.Paragraphs >= 10
	st.ProfessionalFormatting = headings >= 3
	return st
}

// isHeading matches short upper-case lines such as "ITEM 7. MANAGEMENT'S
// DISCUSSION".
func isHeading(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) < 4 || len(line) > 100 {
		return false
	}
	letters := 0
	for _, r := range line {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= 'A' && r <= 'Z':
			letters++
		}
	}
	return letters >= 4
}
