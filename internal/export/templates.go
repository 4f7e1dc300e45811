package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"concord/api/internal/agreement"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title     string
	ProjectID string
	Mode      string
	Measure   string
	CreatedAt time.Time
	Cancelled bool
	Processed []string
	Unrated   []string
	Skipped   []string
	Raters    []string
	Matrix    []MatrixRow
	Documents []ScoreRow
	Overall   *ScoreRow
}

// MatrixRow is one rater's line of the pairwise table.
type MatrixRow struct {
	Rater string
	Cells []string
}

type ScoreRow struct {
	Group  string
	Raters string
	Score  string
	Items  int
}

// TemplateDataFor lays a report out for rendering.
func TemplateDataFor(report agreement.Report) TemplateData {
	data := TemplateData{
		Title:     fmt.Sprintf("Agreement report %s", report.ID),
		ProjectID: report.ProjectID,
		Mode:      report.Mode,
		Measure:   report.Measure,
		CreatedAt: report.CreatedAt,
		Cancelled: report.Cancelled,
		Processed: report.Processed,
		Unrated:   report.Unrated,
		Skipped:   report.Skipped,
		Raters:    report.Raters,
	}
	for _, a := range report.Raters {
		row := MatrixRow{Rater: a, Cells: make([]string, 0, len(report.Raters))}
		for _, b := range report.Raters {
			if a == b {
				row.Cells = append(row.Cells, "")
				continue
			}
			cell, ok := report.Cell(a, b)
			if !ok {
				row.Cells = append(row.Cells, "n/a")
				continue
			}
			row.Cells = append(row.Cells, formatScore(cell))
		}
		data.Matrix = append(data.Matrix, row)
	}
	for _, doc := range report.Documents {
		data.Documents = append(data.Documents, scoreRow(doc))
	}
	if report.Overall != nil {
		overall := scoreRow(*report.Overall)
		data.Overall = &overall
	}
	return data
}

func scoreRow(s agreement.Score) ScoreRow {
	raters := ""
	for i, r := range s.Raters {
		if i > 0 {
			raters += ", "
		}
		raters += r
	}
	return ScoreRow{Group: s.Group, Raters: raters, Score: formatScore(s), Items: s.Items}
}

func formatScore(s agreement.Score) string {
	if !s.Defined {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", s.Score)
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
