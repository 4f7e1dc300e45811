package export

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"concord/api/internal/agreement"
)

// Renderer converts the rendered report page into another document format.
type Renderer func(ctx context.Context, html string, page Page) (*Result, error)

// Service provides agreement report export
type Service struct {
	renderers map[Format]Renderer
}

// NewService wires the headless Chrome PDF and pandoc DOCX renderers.
func NewService() *Service {
	return &Service{renderers: map[Format]Renderer{
		FormatPDF:  renderPDF,
		FormatDOCX: renderDOCX,
	}}
}

// WithRenderer replaces the renderer of one format.
func (s *Service) WithRenderer(format Format, r Renderer) *Service {
	s.renderers[format] = r
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, report agreement.Report, format Format) (*Result, error) {
	data := TemplateDataFor(report)
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	page := pageFor(report)

	if format == FormatHTML {
		return &Result{Data: []byte(html), Filename: page.Filename + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
	render, ok := s.renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	result, err := render(ctx, html, page)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"report": report.ID, "format": format}).Warn("export report")
		return nil, err
	}
	return result, nil
}
