// Package document turns uploaded files into plain text and derives the
// metadata the index stores with each chunk.
package document

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file type")
	ErrEmptyDocument     = errors.New("no text could be extracted")
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// SupportedExtensions lists the accepted upload extensions.
var SupportedExtensions = []string{".pdf", ".html", ".htm", ".txt"}

// FormatOf maps a filename to its Format by extension.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedFormat, filepath.Ext(filename), strings.Join(SupportedExtensions, ", "))
	}
}

// Structure records layout signals found during extraction.
type Structure struct {
	HasTables              bool
	HasStructuredContent   bool
	ProfessionalFormatting bool
	Paragraphs             int
}

// Document is the extracted text of one upload. Paragraphs in Text are
// separated by blank lines.
type Document struct {
	Filename  string
	Format    Format
	Text      string
	Pages     int
	Structure Structure
}

// Extract dispatches on the filename extension.
func Extract(filename string, data []byte) (*Document, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatPDF:
		doc, err = ExtractPDF(data)
	case FormatHTML:
		doc, err = ExtractHTML(data)
	default:
		doc, err = ExtractText(data)
	}
	if err != nil {
		return nil, err
	}
	doc.Filename = filename
	if strings.TrimSpace(doc.Text) == "" {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}
