package export

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"concord/api/internal/agreement"
)

// Page describes how one report is laid out by a renderer.
type Page struct {
	Filename  string
	Header    string
	Landscape bool
}

// wideMatrix is the rater count above which the pairwise table is printed landscape.
const wideMatrix = 5

func pageFor(report agreement.Report) Page {
	return Page{
		Filename:  fileStem("agreement", report.Measure, report.ID),
		Header:    fmt.Sprintf("%s | %s | %s", report.ProjectID, report.Mode, report.Measure),
		Landscape: report.Mode == agreement.TaskPairwise && len(report.Raters) > wideMatrix,
	}
}

// fileStem joins the parts with dashes, keeping letters, digits, dashes and underscores.
func fileStem(parts ...string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, strings.Join(parts, " "))
	stem = strings.Trim(stem, "-")
	if len(stem) > 64 {
		stem = stem[:64]
	}
	if stem == "" {
		return "report"
	}
	return stem
}

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "headless-shell"}

func findChrome() (string, error) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(chromeBinaries, ", "))
}

// headerTemplate is filled in by Chrome; pageNumber and totalPages are its placeholder classes.
func headerTemplate(header string) string {
	return `<div style="font-size:8px;width:100%;padding:0 0.6in;display:flex;justify-content:space-between;color:#666">` +
		`<span>` + html.EscapeString(header) + `</span>` +
		`<span><span class="pageNumber"></span>/<span class="totalPages"></span></span></div>`
}

// renderPDF prints the report page with headless Chrome on A4 paper.
func renderPDF(parent context.Context, doc string, p Page) (*Result, error) {
	execPath, err := findChrome()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	width, height := 8.27, 11.69
	if p.Landscape {
		width, height = height, width
	}

	var data []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("data:text/html;charset=utf-8;base64,"+base64.StdEncoding.EncodeToString([]byte(doc))),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(width).
				WithPaperHeight(height).
				WithMarginTop(0.8).
				WithMarginBottom(0.6).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				WithDisplayHeaderFooter(p.Header != "").
				WithHeaderTemplate(headerTemplate(p.Header)).
				WithFooterTemplate("<span></span>").
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print %s: %w", p.Filename, err)
	}
	return &Result{Data: data, Filename: p.Filename + ".pdf", MimeType: "application/pdf"}, nil
}

// renderDOCX converts the report page with pandoc, carrying the header as document title.
func renderDOCX(ctx context.Context, doc string, p Page) (*Result, error) {
	if _, err := exec.LookPath("pandoc"); err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}
	args := []string{"--from", "html", "--to", "docx", "--output", "-"}
	if p.Header != "" {
		args = append(args, "--metadata", "subject="+p.Header)
	}
	cmd := exec.CommandContext(ctx, "pandoc", args...)
	cmd.Stdin = strings.NewReader(doc)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc %s: %s", p.Filename, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("pandoc %s: %w", p.Filename, err)
	}
	return &Result{
		Data:     out,
		Filename: p.Filename + ".docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}, nil
}
