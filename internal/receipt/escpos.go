package receipt

import (
	"bytes"
	"image"
)

// ESC/POS command prefixes
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// Alignment values accepted by ESC a
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
)

// Encoder builds an ESC/POS command stream
type Encoder struct {
	buffer *bytes.Buffer
}

// NewEncoder creates a new ESC/POS encoder
func NewEncoder() *Encoder {
	return &Encoder{
		buffer: new(bytes.Buffer),
	}
}

// Initialize resets the printer to its power-on formatting state (ESC @)
func (e *Encoder) Initialize() {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('@')
}

// SetAlignment sets text alignment
func (e *Encoder) SetAlignment(align string) {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('a')

	switch align {
	case AlignCenter:
		e.buffer.WriteByte(1)
	case AlignRight:
		e.buffer.WriteByte(2)
	default:
		e.buffer.WriteByte(0)
	}
}

// SetBold enables or disables emphasized text (ESC E n)
func (e *Encoder) SetBold(enabled bool) {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('E')
	if enabled {
		e.buffer.WriteByte(1)
	} else {
		e.buffer.WriteByte(0)
	}
}

// SetTextSize sets the character magnification (GS ! n), 1..8 on each axis
func (e *Encoder) SetTextSize(width, height int) {
	width = clamp(width, 1, 8)
	height = clamp(height, 1, 8)

	size := byte(((width - 1) << 4) | (height - 1))

	e.buffer.WriteByte(GS)
	e.buffer.WriteByte('!')
	e.buffer.WriteByte(size)
}

// WriteText writes text without a trailing line feed
func (e *Encoder) WriteText(text string) {
	e.buffer.WriteString(text)
}

// WriteLine writes text followed by a line feed
func (e *Encoder) WriteLine(text string) {
	e.buffer.WriteString(text)
	e.LineFeed()
}

// LineFeed sends line feed
func (e *Encoder) LineFeed() {
	e.buffer.WriteByte(LF)
}

// Feed sends multiple line feeds
func (e *Encoder) Feed(lines int) {
	for i := 0; i < lines; i++ {
		e.LineFeed()
	}
}

// PrintRaster prints a monochrome image using GS v 0
func (e *Encoder) PrintRaster(img image.Image) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return
	}

	bytesPerLine := (width + 7) / 8

	e.buffer.Write([]byte{
		GS, 'v', '0', 0,
		byte(bytesPerLine), byte(bytesPerLine >> 8),
		byte(height), byte(height >> 8),
	})
	e.buffer.Write(imageToBitmap(img))
	e.LineFeed()
}

// Cut sends a full paper cut (GS V 0)
func (e *Encoder) Cut() {
	e.buffer.WriteByte(GS)
	e.buffer.WriteByte('V')
	e.buffer.WriteByte(0)
}

// Bytes returns the generated ESC/POS commands
func (e *Encoder) Bytes() []byte {
	return e.buffer.Bytes()
}

// Reset clears the buffer
func (e *Encoder) Reset() {
	e.buffer.Reset()
}

// imageToBitmap converts an image to a 1-bit bitmap, one bit per dot,
// most significant bit first. Transparent pixels are treated as paper.
func imageToBitmap(img image.Image) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	bytesPerLine := (width + 7) / 8
	bitmap := make([]byte, bytesPerLine*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, a := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			if a < 0x8000 {
				continue
			}

			gray := (r + g + b) / 3
			if gray < 0x8000 {
				byteIndex := y*bytesPerLine + x/8
				bitIndex := 7 - (x % 8)
				bitmap[byteIndex] |= 1 << bitIndex
			}
		}
	}

	return bitmap
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
