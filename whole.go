package jpegtile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"golang.org/x/image/draw"
)

// decodeWhole decodes the whole image in buf, trying the accelerator first.
func decodeWhole(ctx context.Context, buf *SpliceBuffer, s int, format PixelFormat, dst *Image, o *options) (*Image, error) {
	if s == 0 {
		s = 1
	}

	if s < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleSize, s)
	}

	if !format.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}

	j := &job{
		buf:        buf,
		whole:      true,
		sampleSize: s,
		format:     format,
		dst:        dst,
		hardware:   !o.disableHardwareDecode,
		software: func(ctx context.Context) (*Image, error) {
			return softwareWhole(ctx, buf, s, format, dst, o)
		},
	}

	// The header is usually inside the prefix; without it the accelerator's
	// own dimensions are trusted.
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes())); err == nil {
		j.width, j.height = cfg.Width, cfg.Height
	}

	return o.orch.run(ctx, j)
}

// softwareWhole decodes every MCU of the stream in one forward pass. Layouts
// the MCU decoder does not handle go through image/jpeg.
func softwareWhole(ctx context.Context, buf *SpliceBuffer, s int, format PixelFormat, dst *Image, o *options) (*Image, error) {
	if err := buf.GrowAll(); err != nil {
		return nil, err
	}

	data := buf.Bytes()

	f, err := parseHeader(data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedLayout) {
			o.log.Debug("decoding with image/jpeg", slog.Any("error", err))

			return standardWhole(data, s, format, dst, o)
		}

		return nil, err
	}

	if err := f.checkScanSize(len(data)); err != nil {
		return nil, err
	}

	dst, err = prepareDst(dst, sampledSize(f.width, s), sampledSize(f.height, s), format, o.log)
	if err != nil {
		return nil, err
	}

	e := &tileEngine{f: f, log: o.log}

	return e.decode(ctx, newDecoderState(f, data), image.Rect(0, 0, f.width, f.height), s, format, dst)
}

// standardWhole decodes data with image/jpeg and point-samples the result.
func standardWhole(data []byte, s int, format PixelFormat, dst *Image, o *options) (*Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		var fe jpeg.FormatError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
		}

		var ue jpeg.UnsupportedError
		if errors.As(err, &ue) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedLayout, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrTruncatedStream, err)
	}

	b := img.Bounds()
	full := NewImage(b.Dx(), b.Dy(), format)
	draw.Draw(full.Image().(draw.Image), full.Bounds(), img, b.Min, draw.Src)

	dst, err = prepareDst(dst, sampledSize(full.Width, s), sampledSize(full.Height, s), format, o.log)
	if err != nil {
		return nil, err
	}

	return sampleImage(full, s, dst), nil
}
