package acquire

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// PDFExtractor extracts per-page text from raw PDF bytes.
type PDFExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (text string, pageCount int, err error)
}

// PdfToText shells out to the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty,
// "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText writes the PDF to a temp file, runs pdftotext -layout on it,
// and returns the page texts joined with page separators. pdftotext emits a
// form feed between pages.
func (p *PdfToText) ExtractText(ctx context.Context, pdf []byte) (string, int, error) {
	if len(pdf) == 0 {
		return "", 0, eris.New("acquire: empty pdf input")
	}

	dir, err := os.MkdirTemp("", "acquire-pdf-*")
	if err != nil {
		return "", 0, eris.Wrap(err, "acquire: create temp dir")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(path, pdf, 0o600); err != nil {
		return "", 0, eris.Wrap(err, "acquire: write temp pdf")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", path, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", 0, eris.Wrapf(err, "acquire: pdftotext failed: %s", stderr.String())
	}

	pages := strings.Split(stdout.String(), "\f")
	return JoinPages(pages), countNonEmptyPages(pages), nil
}

// JoinPages joins per-page texts with "--- page N ---" separators. Trailing
// empty pages (pdftotext ends output with a form feed) are dropped.
func JoinPages(pages []string) string {
	for len(pages) > 0 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			fmt.Fprintf(&b, "\n--- page %d ---\n", i+1)
		}
		b.WriteString(strings.TrimRight(page, "\n"))
	}
	return b.String()
}

func countNonEmptyPages(pages []string) int {
	n := 0
	for _, page := range pages {
		if strings.TrimSpace(page) != "" {
			n++
		}
	}
	return n
}
