// Package export turns the latest revision of a document into a standalone
// HTML page or a PDF.
package export

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"stelligence/internal/store"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing means no headless Chromium is installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Source supplies the document metadata and its rendered article.
type Source interface {
	Latest(ctx context.Context, documentID int64) (store.Document, []store.Section, error)
	Render(ctx context.Context, documentID int64) ([]byte, error)
}

//go:embed templates/page.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

type pageData struct {
	Title      string
	Revision   int
	ExportedAt time.Time
	Body       template.HTML
}

type Service struct {
	source Source
	now    func() time.Time
	pdf    func(ctx context.Context, html, title string) (Result, error)
}

func NewService(source Source) *Service {
	return &Service{source: source, now: time.Now, pdf: printPDF}
}

func (s *Service) Export(ctx context.Context, documentID int64, format Format) (Result, error) {
	if format != FormatHTML && format != FormatPDF {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	doc, _, err := s.source.Latest(ctx, documentID)
	if err != nil {
		return Result{}, err
	}
	article, err := s.source.Render(ctx, documentID)
	if err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, pageData{
		Title:      doc.Title,
		Revision:   doc.LatestRevision,
		ExportedAt: s.now(),
		// Render escapes every user-supplied value.
		Body: template.HTML(article),
	})
	if err != nil {
		return Result{}, fmt.Errorf("render export page: %w", err)
	}

	if format == FormatPDF {
		return s.pdf(ctx, buf.String(), doc.Title)
	}
	return Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(doc.Title) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_', turns spaces
// into hyphens and caps the length at 50.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		return "document"
	}
	return result
}
