// Package text extracts the plain page text of a PDF for oracles that cannot
// read the binary document.
package text

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxTextSize caps the text handed to the oracle
const DefaultMaxTextSize = 512 * 1024

const pageBreak = "\n\n--- Page Break ---\n\n"

// Reader extracts page text with ledongthuc/pdf
type Reader struct {
	maxTextSize int
}

// NewReader creates a text reader. maxTextSize <= 0 uses DefaultMaxTextSize.
func NewReader(maxTextSize int) *Reader {
	if maxTextSize <= 0 {
		maxTextSize = DefaultMaxTextSize
	}
	return &Reader{maxTextSize: maxTextSize}
}

// Read returns the text of every page, separated by page break markers.
// A document with no text layer yields an empty string and no error.
func (r *Reader) Read(data []byte) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("text extraction panic: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var builder strings.Builder
	numPages := reader.NumPage()
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		content, err := page.GetPlainText(nil)
		if err != nil {
			// Continue with other pages even if one fails
			continue
		}

		if builder.Len()+len(content) > r.maxTextSize {
			if remaining := r.maxTextSize - builder.Len(); remaining > 0 {
				builder.WriteString(content[:remaining])
			}
			break
		}
		builder.WriteString(content)

		if pageNum < numPages {
			builder.WriteString(pageBreak)
		}
	}

	if strings.TrimSpace(strings.ReplaceAll(builder.String(), strings.TrimSpace(pageBreak), "")) == "" {
		return "", nil
	}
	return builder.String(), nil
}
