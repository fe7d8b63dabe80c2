package receipt

import (
	"bytes"
	"encoding/base64"
	"html/template"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/thereceipt/order-print-agent/internal/order"
)

var markupTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Order #{{.ID}}</title>
<style>
  @page { size: 80mm auto; margin: 4mm; }
  body { font-family: "Courier New", monospace; font-size: 12px; width: 72mm; margin: 0 auto; }
  header, footer { text-align: center; }
  h1 { font-size: 18px; margin: 0 0 4px; }
  h2 { font-size: 13px; margin: 6px 0 2px; }
  section { border-top: 1px dashed #000; padding: 4px 0; }
  .row { display: flex; justify-content: space-between; }
  .total { font-weight: bold; font-size: 15px; }
  pre { white-space: pre-wrap; font-family: inherit; margin: 0; }
  img.qr { width: 96px; height: 96px; }
</style>
</head>
<body>
<header>
  {{if .StoreName}}<h1>{{.StoreName}}</h1>{{end}}
  <strong>ORDER #{{.ID}}</strong>
</header>
<section class="meta">
  {{if .Date}}<div class="row"><span>Date:</span><span>{{.Date}}</span></div>{{end}}
  {{if .Customer}}<div class="row"><span>Customer:</span><span>{{.Customer}}</span></div>{{end}}
  {{if .Payment}}<div class="row"><span>Payment:</span><span>{{.Payment}}</span></div>{{end}}
</section>
<section class="items">
  <h2>ITEMS</h2>
  <pre>{{.Description}}</pre>
</section>
{{if .Notes}}<section class="notes">
  <h2>NOTES</h2>
  <pre>{{.Notes}}</pre>
</section>
{{end}}{{if .Address}}<section class="address">
  <h2>DELIVERY ADDRESS</h2>
  <pre>{{.Address}}</pre>
</section>
{{end}}<section class="totals">
  <div class="row total"><span>TOTAL</span><span>{{.Total}}</span></div>
</section>
<footer>
  {{if .Footer}}<p>{{.Footer}}</p>{{end}}
  {{if .QRCode}}<img class="qr" src="{{.QRCode}}" alt="order {{.ID}}">{{end}}
</footer>
{{if .AutoPrint}}<script>window.addEventListener("load", function () { window.print(); });</script>{{end}}
</body>
</html>
`))

type markupView struct {
	StoreName   string
	ID          string
	Date        string
	Customer    string
	Payment     string
	Description string
	Notes       string
	Address     string
	Total       string
	Footer      string
	QRCode      template.URL
	AutoPrint   bool
}

// Markup renders the receipt as a standalone HTML document that opens the
// browser print dialog when loaded
func (f *Formatter) Markup(o *order.Payload) string {
	return f.markup(o, true)
}

// MarkupForPDF renders the same document without the auto-print script
func (f *Formatter) MarkupForPDF(o *order.Payload) string {
	return f.markup(o, false)
}

func (f *Formatter) markup(o *order.Payload, autoPrint bool) string {
	view := markupView{
		StoreName:   f.cfg.StoreName,
		ID:          o.ID,
		Customer:    o.CustomerName,
		Payment:     o.PaymentMethod,
		Description: o.Description,
		Total:       f.FormatMoney(o.Total),
		Footer:      f.cfg.Footer,
		AutoPrint:   autoPrint,
	}
	if !o.CreatedAt.IsZero() {
		view.Date = o.CreatedAt.Format(dateLayout)
	}
	if o.HasNotes() {
		view.Notes = o.Notes
	}
	if o.HasAddress() {
		view.Address = o.Address
	}
	if o.ID != "" {
		if png, err := qrcode.Encode(o.ID, qrcode.Medium, 192); err == nil {
			view.QRCode = template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
		}
	}

	var buf bytes.Buffer
	if err := markupTemplate.Execute(&buf, view); err != nil {
		// Only reachable on a broken template; still hand back something printable.
		return "<pre>" + template.HTMLEscapeString(strings.TrimSpace(f.Text(o))) + "</pre>"
	}
	return buf.String()
}
