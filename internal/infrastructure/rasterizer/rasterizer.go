package rasterizer

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

const DefaultDPI = 300

type Options struct {
	DPI float64
	// MaxPages rejects longer documents before rendering. Zero disables the check.
	MaxPages int
}

// Rasterizer renders every page of a PDF to PNG with MuPDF.
type Rasterizer struct {
	dpi      float64
	maxPages int
}

func New(opts Options) *Rasterizer {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	return &Rasterizer{dpi: opts.DPI, maxPages: opts.MaxPages}
}

// Rasterize writes <prefix>_page_<n>.png into outputDir for n = 1..pages and
// returns the paths in page order. A document without pages yields no paths.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath, outputDir, filenamePrefix string) ([]string, error) {
	if pages, err := CountPages(pdfPath); err != nil {
		slog.Warn("pdf_preflight_failed", "path", pdfPath, "error", err)
	} else if err := r.checkPageLimit(pages); err != nil {
		return nil, err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if err := r.checkPageLimit(total); err != nil {
		return nil, err
	}

	paths := make([]string, 0, total)
	for page := 0; page < total; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(page, r.dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", page+1, err)
		}
		path := filepath.Join(outputDir, fmt.Sprintf("%s_page_%d.png", filenamePrefix, page+1))
		if err := writePNG(path, img); err != nil {
			return nil, fmt.Errorf("write page %d: %w", page+1, err)
		}
		paths = append(paths, path)
	}

	slog.Debug("pdf_rasterized", "path", pdfPath, "pages", len(paths), "dpi", r.dpi)
	return paths, nil
}

func (r *Rasterizer) checkPageLimit(pages int) error {
	if r.maxPages > 0 && pages > r.maxPages {
		return domain.WrapError(domain.ErrExtraction, "rasterize pdf", fmt.Errorf("%d pages exceeds limit of %d", pages, r.maxPages))
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
