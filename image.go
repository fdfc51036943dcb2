package jpegtile

import (
	"fmt"
	"image"
)

// PixelFormat selects the memory layout of a decoded Image.
type PixelFormat int

const (
	// FormatRGBA is opaque 8-bit RGBA, 4 bytes per pixel.
	FormatRGBA PixelFormat = iota
	// FormatGray is 8-bit luma, 1 byte per pixel.
	FormatGray
)

// BytesPerPixel returns the number of bytes a single pixel occupies.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatGray:
		return 1
	default:
		return 4
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatGray:
		return "gray"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

func (f PixelFormat) valid() bool {
	return f == FormatRGBA || f == FormatGray
}

// Image is a decoded pixel buffer.
type Image struct {
	// Pix holds the pixels, row by row, starting at the top-left corner.
	Pix []byte
	// Stride is the distance in bytes between vertically adjacent pixels.
	Stride int
	// Width and Height are the dimensions in pixels.
	Width, Height int
	// Format is the pixel layout of Pix.
	Format PixelFormat
}

// NewImage allocates an Image with a tightly packed stride.
func NewImage(width, height int, format PixelFormat) *Image {
	stride := width * format.BytesPerPixel()

	return &Image{
		Pix:    make([]byte, stride*height),
		Stride: stride,
		Width:  width,
		Height: height,
		Format: format,
	}
}

// Bounds returns the rectangle covered by the image, anchored at the origin.
func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// Row returns the bytes of row y, without the stride padding.
func (m *Image) Row(y int) []byte {
	off := y * m.Stride

	return m.Pix[off : off+m.Width*m.Format.BytesPerPixel()]
}

// Image wraps the buffer as an [image.Image] without copying.
func (m *Image) Image() image.Image {
	switch m.Format {
	case FormatGray:
		return &image.Gray{Pix: m.Pix, Stride: m.Stride, Rect: m.Bounds()}
	default:
		return &image.RGBA{Pix: m.Pix, Stride: m.Stride, Rect: m.Bounds()}
	}
}

// fits reports whether Pix is large enough for the declared geometry.
func (m *Image) fits() bool {
	if m.Width <= 0 || m.Height <= 0 {
		return false
	}

	rowLen := m.Width * m.Format.BytesPerPixel()
	if m.Stride < rowLen {
		return false
	}

	return len(m.Pix) >= m.Stride*(m.Height-1)+rowLen
}

// sameGeometry reports whether m can hold a w x h image of format f.
func (m *Image) sameGeometry(w, h int, f PixelFormat) bool {
	return m.Width == w && m.Height == h && m.Format == f
}

// crop returns the w x h window of m starting at (x, y). When the window is
// all of m, m itself is returned and no pixels are copied.
func crop(m *Image, x, y, w, h int) *Image {
	if x == 0 && y == 0 && w == m.Width && h == m.Height {
		return m
	}

	out := NewImage(w, h, m.Format)
	bpp := m.Format.BytesPerPixel()

	for row := 0; row < h; row++ {
		src := m.Pix[(y+row)*m.Stride+x*bpp:]
		copy(out.Row(row), src[:w*bpp])
	}

	return out
}

// sampledSize returns ceil(n/s).
func sampledSize(n, s int) int {
	return (n + s - 1) / s
}

// sampleOffset returns the source offset of destination index i when a span
// of n pixels is point-sampled with step s. Trailing samples are clamped to
// the last source pixel.
func sampleOffset(i, s, n int) int {
	off := i*s + s/2
	if off > n-1 {
		off = n - 1
	}

	return off
}
