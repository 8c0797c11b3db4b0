package document

import (
	"regexp"
	"strconv"
	"strings"
)

// Defaults used when a heuristic finds nothing.
const (
	UnknownCompany      = "Unknown"
	DefaultDocumentType = "Financial Document"
	DefaultYear         = "2024"
)

// companyKeys is checked in order; the first substring hit wins.
var companyKeys = []struct{ key, name string }{
	{"meta", "Meta"},
	{"facebook", "Meta"},
	{"fb", "Meta"},
	{"apple", "Apple"},
	{"aapl", "Apple"},
	{"google", "Google"},
	{"alphabet", "Google"},
	{"googl", "Google"},
	{"goog", "Google"},
	{"microsoft", "Microsoft"},
	{"msft", "Microsoft"},
	{"amazon", "Amazon"},
	{"amzn", "Amazon"},
	{"tesla", "Tesla"},
	{"tsla", "Tesla"},
	{"netflix", "Netflix"},
	{"nflx", "Netflix"},
	{"nvidia", "NVIDIA"},
	{"nvda", "NVIDIA"},
}

// Metadata is what the heuristics derive for a document.
type Metadata struct {
	Company      string
	DocumentType string
	Year         string
}

// DetectMetadata runs all heuristics.
func DetectMetadata(filename, text string) Metadata {
	return Metadata{
		Company:      DetectCompany(filename, text),
		DocumentType: DetectDocumentType(filename, text),
		Year:         DetectYear(filename, text),
	}
}

// DetectCompany matches known company names and tickers, filename first.
func DetectCompany(filename, text string) string {
	for _, src := range []string{filename, text} {
		lower := strings.ToLower(src)
		for _, c := range companyKeys {
			if strings.Contains(lower, c.key) {
				return c.name
			}
		}
	}
	return UnknownCompany
}

func DetectDocumentType(filename, text string) string {
	hay := strings.ToLower(filename) + "\n" + strings.ToLower(text)
	switch {
	case strings.Contains(hay, "10-k"):
		return "10-K"
	case strings.Contains(hay, "10-q"):
		return "10-Q"
	case strings.Contains(hay, "earnings"):
		return "Earnings Report"
	case strings.Contains(hay, "annual"):
		return "Annual Report"
	default:
		return DefaultDocumentType
	}
}

var yearPattern = regexp.MustCompile(`20\d{2}`)

// DetectYear takes the first year in the filename, otherwise the latest year
// mentioned in the first 1000 bytes of text.
func DetectYear(filename, text string) string {
	if y := yearPattern.FindString(filename); y != "" {
		return y
	}
	if len(text) > 1000 {
		text = text[:1000]
	}
	best := 0
	for _, m := range yearPattern.FindAllString(text, -1) {
		if y, _ := strconv.Atoi(m); y > best {
			best = y
		}
	}
	if best == 0 {
		return DefaultYear
	}
	return strconv.Itoa(best)
}

var financialKeywords = []string{
	"SECURITIES AND EXCHANGE COMMISSION", "SEC", "10-K", "10-Q",
	"FINANCIAL STATEMENTS", "CONSOLIDATED", "REVENUE", "ASSETS",
	"LIABILITIES", "CASH FLOW", "BALANCE SHEET",
}

// Credibility scores a document between 0 and 1 from its length, layout
// signals, financial vocabulary and page count.
func Credibility(doc *Document) float64 {
	if doc == nil {
		return 0.5
	}
	score := 0.0
	switch n := len(doc.Text); {
	case n > 50000:
		score += 2
	case n > 10000:
		score += 1
	}
	if doc.Structure.HasTables {
		score += 2
	}
	if doc.Structure.HasStructuredContent {
		score += 1.5
	}
	if doc.Structure.ProfessionalFormatting {
		score += 1.5
	}

	upper := strings.ToUpper(doc.Text)
	hits := 0
	for _, k := range financialKeywords {
		if strings.Contains(upper, k) {
			hits++
		}
	}
	score += min(float64(hits)*0.3, 2)

	if doc.Pages > 10 {
		score += 1
	}
	return min(score/10, 1)
}
