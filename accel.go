package jpegtile

import (
	"context"
	"image"
)

// Handle identifies a stream parsed by an Accelerator.
type Handle uint64

// Info describes a parsed stream.
type Info struct {
	Width, Height int
	Components    int
}

// DecodeParams selects what an Accelerator decodes.
type DecodeParams struct {
	// Region is the rectangle to decode, inside the image bounds.
	Region image.Rectangle
	// SampleSize is the integer downscale factor, >= 1.
	SampleSize int
	// Format is the pixel layout of the result.
	Format PixelFormat
	// Data is the complete stream. Parse may have seen only a prefix of it.
	Data []byte
}

// Accelerator is a hardware JPEG decoder. Implementations must be safe for
// concurrent use; they report contention with ErrHardwareBusy.
type Accelerator interface {
	// Parse reads the stream header. It returns ErrHardwareBusy when the
	// device cannot take another stream right now.
	Parse(ctx context.Context, data []byte) (Handle, error)
	// Info returns the geometry of a parsed stream.
	Info(h Handle) (Info, error)
	// Decode decodes a region of a parsed stream and finishes the handle.
	// The result is ceil(Region.Dx()/SampleSize) by ceil(Region.Dy()/SampleSize).
	Decode(ctx context.Context, h Handle, p DecodeParams) (*Image, error)
	// Resize scales src into dst and returns the number of dst rows written.
	Resize(ctx context.Context, src, dst *Image) (int, error)
	// Cancel abandons a handle. It is safe on finished or cancelled handles.
	Cancel(h Handle) error
}
