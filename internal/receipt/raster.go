package receipt

import (
	"image"
	"image/color"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

const (
	barcodeHeight  = 80
	captionHeight  = 20
	barcodeMargins = 40
)

// loadLogo reads an image and scales it down to the printable width
func loadLogo(path string, dotWidth int) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}

	if img.Bounds().Dx() > dotWidth {
		img = imaging.Resize(img, dotWidth, 0, imaging.Lanczos)
	}

	return imaging.Grayscale(img), nil
}

// barcodeImage renders a CODE128 barcode of value with a caption underneath
func barcodeImage(value string, dotWidth int) (image.Image, error) {
	if value == "" {
		return nil, errors.New("empty barcode value")
	}

	bc, err := code128.Encode(value)
	if err != nil {
		return nil, errors.Wrapf(err, "encode barcode %q", value)
	}

	width := dotWidth - barcodeMargins
	if bc.Bounds().Dx() > width {
		return nil, errors.Newf("barcode for %q is wider than %d dots", value, width)
	}

	scaled, err := barcode.Scale(bc, width, barcodeHeight)
	if err != nil {
		return nil, errors.Wrap(err, "scale barcode")
	}

	w := scaled.Bounds().Dx()
	dc := gg.NewContext(w, barcodeHeight+captionHeight)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(scaled, 0, 0)
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(value, float64(w)/2, float64(barcodeHeight)+float64(captionHeight)/2, 0.5, 0.5)

	return dc.Image(), nil
}
