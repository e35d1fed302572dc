package rasterizer

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

// CountPages reads the page tree without rendering anything.
func CountPages(pdfPath string) (pages int, err error) {
	defer func() {
		// The parser panics on some malformed cross-reference tables.
		if recovered := recover(); recovered != nil {
			pages, err = 0, fmt.Errorf("parse pdf: %v", recovered)
		}
	}()

	f, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	defer f.Close()
	return reader.NumPage(), nil
}
