// Package extract turns opaque source documents into plain text for
// chunking. PDF is the only binary format currently supported; anything
// else is treated as UTF-8 text and passed through unchanged.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrEmptyDocument indicates extraction produced no non-whitespace
// content. The ingestion pipeline must abort on it before any embedding
// call is made.
var ErrEmptyDocument = errors.New("document contains no extractable text")

// Supported source formats.
const (
	FormatPDF  = "pdf"
	FormatText = "text"
)

// FormatForFilename guesses the source format from a filename extension.
func FormatForFilename(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return FormatPDF
	}
	return FormatText
}

// Text extracts plain text from raw document bytes. PDF pages are joined
// with a double line break to preserve paragraph separation for
// downstream chunking. Returns ErrEmptyDocument when the result has no
// non-whitespace content.
func Text(data []byte, format string) (string, error) {
	var text string
	switch format {
	case FormatPDF:
		extracted, err := pdfText(data)
		if err != nil {
			return "", err
		}
		text = extracted
	default:
		text = string(data)
	}

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

// pdfText extracts the plain text of every page of a PDF document.
func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		pages = append(pages, content)
	}

	return strings.Join(pages, "\n\n"), nil
}
