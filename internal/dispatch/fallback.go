package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/receipt"
)

// PDFRenderer converts receipt markup to PDF
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// SpoolerFallback prints through the OS print queue. It sends a PDF when a
// renderer is available and the plain text rendering otherwise.
type SpoolerFallback struct {
	Spooler *printer.Spooler
	PDF     PDFRenderer
	Queue   string
	Logger  *slog.Logger
}

func (f *SpoolerFallback) Name() string { return "spooler" }

func (f *SpoolerFallback) Print(ctx context.Context, doc *receipt.Document) error {
	if f.PDF != nil {
		pdf, err := f.PDF.RenderPDF(ctx, doc.PrintMarkup)
		if err == nil {
			return f.Spooler.Print(ctx, printer.SpoolJob{Data: pdf, Ext: ".pdf", Queue: f.Queue})
		}
		if f.Logger != nil {
			f.Logger.Warn("PDF rendering failed, spooling plain text", "error", err)
		}
	}

	return f.Spooler.Print(ctx, printer.SpoolJob{Data: []byte(doc.Text), Ext: ".txt", Queue: f.Queue})
}

// BrowserFallback writes the receipt markup to a preview file and opens it
// in the default browser, where the page prints itself.
type BrowserFallback struct {
	Dir     string
	Command []string
	Runner  printer.CommandRunner
	Timeout time.Duration
}

func (f *BrowserFallback) Name() string { return "browser" }

func (f *BrowserFallback) Print(ctx context.Context, doc *receipt.Document) error {
	if len(f.Command) == 0 {
		return errors.New("no browser opener available")
	}

	path, err := f.writePreview(doc)
	if err != nil {
		return err
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runner := f.Runner
	if runner == nil {
		runner = printer.ExecRunner{}
	}

	args := append(append([]string{}, f.Command[1:]...), path)
	if _, err := runner.Run(ctx, f.Command[0], args...); err != nil {
		return errors.Wrap(err, "open receipt preview")
	}
	return nil
}

// writePreview keeps one file per order so a reprint replaces the last preview
func (f *BrowserFallback) writePreview(doc *receipt.Document) (string, error) {
	dir := f.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "order-print-agent")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create preview directory")
	}

	name := fmt.Sprintf("receipt-%s.html", safeName(doc.OrderID))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(doc.Markup), 0o644); err != nil {
		return "", errors.Wrap(err, "write receipt preview")
	}
	return path, nil
}

func safeName(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "order"
	}
	return string(out)
}
