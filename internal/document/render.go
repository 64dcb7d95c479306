package document

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"strings"

	"stelligence/internal/store"
)

//go:embed templates/document.html
var templateFS embed.FS

var documentTemplate = template.Must(template.ParseFS(templateFS, "templates/document.html"))

type renderSection struct {
	ID         int64
	Heading    template.HTML
	Paragraphs []string
}

type renderData struct {
	ID       int64
	Title    string
	Revision int
	Sections []renderSection
}

// paragraphs splits section content on blank lines.
func paragraphs(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// headingTag maps a section heading to the element used for it. The
// document title takes h1, so section levels shift down by one and cap at h6.
func headingTag(heading store.Heading) string {
	level := heading.Level() + 1
	if level < 2 {
		level = 2
	}
	if level > 6 {
		level = 6
	}
	return fmt.Sprintf("h%d", level)
}

// RenderHTML renders sections in order. Titles and content are escaped.
func RenderHTML(doc store.Document, sections []store.Section) ([]byte, error) {
	data := renderData{ID: doc.ID, Title: doc.Title, Revision: doc.LatestRevision}
	for _, section := range sections {
		tag := headingTag(section.Heading)
		data.Sections = append(data.Sections, renderSection{
			ID:         section.ID,
			Heading:    template.HTML(fmt.Sprintf("<%s>%s</%s>", tag, html.EscapeString(section.Title), tag)),
			Paragraphs: paragraphs(section.Content),
		})
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render document %d: %w", doc.ID, err)
	}
	return buf.Bytes(), nil
}
