// Package receipt renders orders into printable documents: an ESC/POS
// control stream for thermal hardware, HTML for browser printing and plain
// text for OS spoolers. Rendering is pure; no device or network I/O happens here.
package receipt

import (
	"image"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/thereceipt/order-print-agent/internal/order"
)

// Config controls receipt layout
type Config struct {
	StoreName        string
	Footer           string
	Columns          int    // characters per line on the thermal printer
	DotWidth         int    // printable width in dots (576 for 80mm, 384 for 58mm)
	CurrencySymbol   string
	DecimalSeparator string
	LogoPath         string
	Barcode          bool
}

// Document is one rendering of an order, created per print attempt
type Document struct {
	OrderID       string
	ControlStream []byte
	Markup        string
	Text          string

	// PrintMarkup is Markup without the auto-print script, for PDF conversion
	PrintMarkup string
}

// Formatter renders orders. It is safe for concurrent use.
type Formatter struct {
	cfg  Config
	logo image.Image
}

const (
	defaultColumns  = 48
	defaultDotWidth = 576
	dateLayout      = "02/01/2006 15:04"
)

// New creates a formatter. The logo, if configured, is loaded and dithered once.
func New(cfg Config) (*Formatter, error) {
	if cfg.Columns <= 0 {
		cfg.Columns = defaultColumns
	}
	if cfg.DotWidth <= 0 {
		cfg.DotWidth = defaultDotWidth
	}
	if cfg.DecimalSeparator == "" {
		cfg.DecimalSeparator = "."
	}

	f := &Formatter{cfg: cfg}

	if cfg.LogoPath != "" {
		logo, err := loadLogo(cfg.LogoPath, cfg.DotWidth)
		if err != nil {
			return nil, errors.Wrapf(err, "load receipt logo %s", cfg.LogoPath)
		}
		f.logo = logo
	}

	return f, nil
}

// Render produces all representations of an order
func (f *Formatter) Render(o *order.Payload) *Document {
	return &Document{
		OrderID:       o.ID,
		ControlStream: f.ControlStream(o),
		Markup:        f.Markup(o),
		PrintMarkup:   f.MarkupForPDF(o),
		Text:          f.Text(o),
	}
}

// FormatMoney renders an amount with exactly two decimals using the
// configured separator and currency symbol
func (f *Formatter) FormatMoney(amount decimal.Decimal) string {
	s := amount.StringFixed(2)
	if f.cfg.DecimalSeparator != "." {
		s = strings.Replace(s, ".", f.cfg.DecimalSeparator, 1)
	}
	if f.cfg.CurrencySymbol != "" {
		s = f.cfg.CurrencySymbol + " " + s
	}
	return s
}

// ControlStream renders the ESC/POS byte stream. Every emphasis or alignment
// change is reverted on the same line, and the stream always ends with a cut.
func (f *Formatter) ControlStream(o *order.Payload) []byte {
	enc := NewEncoder()
	enc.Initialize()

	if f.logo != nil {
		enc.SetAlignment(AlignCenter)
		enc.PrintRaster(f.logo)
		enc.SetAlignment(AlignLeft)
	}

	rule := strings.Repeat("-", f.cfg.Columns)
	for i, b := range f.blocks(o) {
		if i > 0 {
			enc.WriteLine(rule)
		}
		for _, l := range b {
			writeStyledLine(enc, l)
		}
	}

	if f.cfg.Barcode {
		if img, err := barcodeImage(o.ID, f.cfg.DotWidth); err == nil {
			enc.SetAlignment(AlignCenter)
			enc.PrintRaster(img)
			enc.SetAlignment(AlignLeft)
		}
	}

	enc.Feed(4)
	enc.Cut()

	return enc.Bytes()
}

// Text renders the receipt as plain text for spoolers that do not speak ESC/POS
func (f *Formatter) Text(o *order.Payload) string {
	var sb strings.Builder
	rule := strings.Repeat("-", f.cfg.Columns)

	for i, b := range f.blocks(o) {
		if i > 0 {
			sb.WriteString(rule)
			sb.WriteByte('\n')
		}
		for _, l := range b {
			text := l.text
			if l.center {
				text = center(text, f.cfg.Columns)
			}
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

// line is one printed row with its emphasis
type line struct {
	text   string
	bold   bool
	center bool
	large  bool
}

type block []line

// blocks lays out the receipt sections. Optional sections are omitted
// entirely when their field is empty.
func (f *Formatter) blocks(o *order.Payload) []block {
	cols := f.cfg.Columns
	var blocks []block

	header := block{}
	if f.cfg.StoreName != "" {
		header = append(header, line{text: sanitize(f.cfg.StoreName), bold: true, center: true, large: true})
	}
	header = append(header, line{text: "ORDER #" + sanitize(o.ID), bold: true, center: true})
	blocks = append(blocks, header)

	meta := block{}
	if !o.CreatedAt.IsZero() {
		meta = append(meta, line{text: spread("Date:", o.CreatedAt.Format(dateLayout), cols)})
	}
	if o.CustomerName != "" {
		meta = append(meta, wrapLines("Customer: "+sanitize(o.CustomerName), cols)...)
	}
	if o.PaymentMethod != "" {
		meta = append(meta, line{text: spread("Payment:", sanitize(o.PaymentMethod), cols)})
	}
	if len(meta) > 0 {
		blocks = append(blocks, meta)
	}

	items := block{{text: "ITEMS", bold: true}}
	items = append(items, wrapLines(sanitize(o.Description), cols)...)
	blocks = append(blocks, items)

	if o.HasNotes() {
		notes := block{{text: "NOTES", bold: true}}
		notes = append(notes, wrapLines(sanitize(o.Notes), cols)...)
		blocks = append(blocks, notes)
	}

	if o.HasAddress() {
		addr := block{{text: "DELIVERY ADDRESS", bold: true}}
		addr = append(addr, wrapLines(sanitize(o.Address), cols)...)
		blocks = append(blocks, addr)
	}

	blocks = append(blocks, block{
		{text: spread("TOTAL", f.FormatMoney(o.Total), cols), bold: true},
	})

	if f.cfg.Footer != "" {
		footer := block{}
		for _, l := range wrapLines(sanitize(f.cfg.Footer), cols) {
			l.center = true
			footer = append(footer, l)
		}
		blocks = append(blocks, footer)
	}

	return blocks
}

func writeStyledLine(enc *Encoder, l line) {
	if l.center {
		enc.SetAlignment(AlignCenter)
	}
	if l.bold {
		enc.SetBold(true)
	}
	if l.large {
		enc.SetTextSize(2, 2)
	}

	enc.WriteLine(l.text)

	if l.large {
		enc.SetTextSize(1, 1)
	}
	if l.bold {
		enc.SetBold(false)
	}
	if l.center {
		enc.SetAlignment(AlignLeft)
	}
}

// sanitize strips control characters so order text can never inject
// printer commands. Newlines are kept for wrapping.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// wrapLines splits text on newlines and word-wraps each paragraph to width
func wrapLines(s string, width int) []line {
	var out []line
	for _, paragraph := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		for _, w := range wrap(paragraph, width) {
			out = append(out, line{text: w})
		}
	}
	return out
}

func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	var current strings.Builder
	for _, word := range words {
		for utf8.RuneCountInString(word) > width {
			if current.Len() > 0 {
				lines = append(lines, current.String())
				current.Reset()
			}
			runes := []rune(word)
			lines = append(lines, string(runes[:width]))
			word = string(runes[width:])
		}

		if current.Len() == 0 {
			current.WriteString(word)
			continue
		}
		if utf8.RuneCountInString(current.String())+1+utf8.RuneCountInString(word) > width {
			lines = append(lines, current.String())
			current.Reset()
			current.WriteString(word)
			continue
		}
		current.WriteByte(' ')
		current.WriteString(word)
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}

	return lines
}

// spread places left and right on one line, separated by at least one space
func spread(left, right string, width int) string {
	gap := width - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(s string, width int) string {
	pad := (width - utf8.RuneCountInString(s)) / 2
	if pad <= 0 {
		return s
	}
	return strings.Repeat(" ", pad) + s
}
