// Package extract turns the knowledge base documents into one raw text
// string: the text of every page of every document, in input order.
//
// Documents are dispatched to a PageReader by file extension. PDFs are
// parsed with github.com/ledongthuc/pdf; plain text and Markdown files are a
// single page. Any document that cannot be read aborts the whole extraction.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/rag"
)

// Source identifies one document of the knowledge base.
type Source struct {
	// Path is the file path of the document.
	Path string
}

// Sources converts file paths into Sources, preserving order.
func Sources(paths ...string) []Source {
	out := make([]Source, 0, len(paths))
	for _, p := range paths {
		out = append(out, Source{Path: p})
	}
	return out
}

// PageReader returns the ordered page texts of one document. A page with no
// extractable text is an empty string, not an error.
type PageReader interface {
	Pages(ctx context.Context, path string) ([]string, error)
}

// Extractor concatenates the pages of a list of sources.
type Extractor struct {
	readers   map[string]PageReader
	normalize bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithNormalize enables Unicode NFKC folding and horizontal whitespace
// collapsing on every page.
func WithNormalize(on bool) Option {
	return func(e *Extractor) { e.normalize = on }
}

// WithReader registers r for files with the given extension (".pdf").
func WithReader(ext string, r PageReader) Option {
	return func(e *Extractor) { e.readers[strings.ToLower(ext)] = r }
}

// New returns an Extractor that reads .pdf, .txt and .md files.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		readers: map[string]PageReader{
			".pdf": PDFReader{},
			".txt": TextReader{},
			".md":  TextReader{},
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the concatenation, in input order, of the text of every
// page of every source. No sources yields "". The first unreadable source
// aborts extraction with rag.ErrDocumentRead.
func (e *Extractor) Extract(ctx context.Context, sources []Source) (string, error) {
	log := logging.FromContext(ctx)

	var b strings.Builder
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ext := strings.ToLower(filepath.Ext(src.Path))
		reader, ok := e.readers[ext]
		if !ok {
			return "", fmt.Errorf("extract: %w: %s: unsupported file type %q", rag.ErrDocumentRead, src.Path, ext)
		}

		pages, err := reader.Pages(ctx, src.Path)
		if err != nil {
			return "", fmt.Errorf("extract: %w: %s: %w", rag.ErrDocumentRead, src.Path, err)
		}

		chars := 0
		for _, p := range pages {
			if e.normalize {
				p = Normalize(p)
			}
			chars += len(p)
			b.WriteString(p)
		}
		log.Debug("extract: read document",
			slog.String("path", src.Path),
			slog.Int("pages", len(pages)),
			slog.Int("bytes", chars),
		)
		if chars == 0 {
			log.Warn("extract: document has no extractable text", slog.String("path", src.Path))
		}
	}
	return b.String(), nil
}
