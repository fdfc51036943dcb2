package jpegtile

import (
	"context"
	"fmt"
	"image"
	"log/slog"
)

// tileEngine decodes the MCUs covering a rectangle of one image and samples
// them into a pixel buffer.
type tileEngine struct {
	f *frame
	// index, when set, lets every MCU row start at a seek point. Without it
	// the scan is walked sequentially from its first MCU.
	index *Index
	log   *slog.Logger
}

// superRect returns the MCU-aligned rectangle enclosing clip, clamped to the
// image, and the MCU span it covers.
func (f *frame) superRect(clip image.Rectangle) (super image.Rectangle, mbx0, mby0, mbx1, mby1 int) {
	mbx0 = clip.Min.X / f.mbSizeX
	mby0 = clip.Min.Y / f.mbSizeY
	mbx1 = (clip.Max.X + f.mbSizeX - 1) / f.mbSizeX
	mby1 = (clip.Max.Y + f.mbSizeY - 1) / f.mbSizeY

	super = image.Rect(
		mbx0*f.mbSizeX, mby0*f.mbSizeY,
		min(mbx1*f.mbSizeX, f.width), min(mby1*f.mbSizeY, f.height),
	)

	return super, mbx0, mby0, mbx1, mby1
}

// decode decodes clip, point-sampled with step s, into a new buffer or into
// dst when dst is not nil. clip must lie inside the image.
func (e *tileEngine) decode(ctx context.Context, st *decoderState, clip image.Rectangle, s int, format PixelFormat, dst *Image) (*Image, error) {
	f := e.f
	super, mbx0, mby0, mbx1, mby1 := f.superRect(clip)

	tw, th := sampledSize(super.Dx(), s), sampledSize(super.Dy(), s)
	ox, oy := (clip.Min.X-super.Min.X)/s, (clip.Min.Y-super.Min.Y)/s
	ow, oh := sampledSize(clip.Dx(), s), sampledSize(clip.Dy(), s)

	// Decode straight into the output when no crop is needed.
	var tile *Image
	if ox == 0 && oy == 0 && tw == ow && th == oh {
		tile = dst
	}

	if tile == nil {
		tile = NewImage(tw, th, format)
	}

	xs := make([]int, tw)
	for i := range xs {
		xs[i] = sampleOffset(i, s, super.Dx())
	}

	st.ensurePlanes(mbx1 - mbx0)

	first := mby0
	if e.index == nil {
		first = 0
	}

	row := 0
	for mby := first; mby < mby1 && row < th; mby++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		top := mby * f.mbSizeY
		bottom := top + f.mbSizeY
		needed := mby >= mby0 && super.Min.Y+sampleOffset(row, s, super.Dy()) < bottom

		if !needed && e.index != nil {
			continue
		}

		err := st.run(func() {
			e.decodeRow(st, mby, mbx0, mbx1, needed)
		})
		if err != nil {
			return nil, fmt.Errorf("MCU row %d: %w", mby, err)
		}

		if !needed {
			continue
		}

		for ; row < th; row++ {
			sy := super.Min.Y + sampleOffset(row, s, super.Dy())
			if sy >= bottom {
				break
			}

			st.convertRow(tile.Row(row), sy-top, xs, format)
		}
	}

	if row < th {
		return nil, fmt.Errorf("%d of %d rows decoded: %w", row, th, ErrTruncatedStream)
	}

	if tile == dst {
		return dst, nil
	}

	if dst != nil {
		cropInto(dst, tile, ox, oy)

		return dst, nil
	}

	return crop(tile, ox, oy, ow, oh), nil
}

// decodeRow processes MCU row mby. MCUs in [mbx0, mbx1) are reconstructed
// when decode is set; everything else the cursor has to cross is skipped.
func (e *tileEngine) decodeRow(st *decoderState, mby, mbx0, mbx1 int, decode bool) {
	f := e.f
	base := mby * f.mbWidth

	if e.index != nil {
		e.index.resume(st, mby, mbx0)

		for mbx := mbx0; mbx < mbx1; mbx++ {
			st.decodeMCU(mbx - mbx0)
			st.advance(base + mbx)
		}

		return
	}

	for mbx := 0; mbx < f.mbWidth; mbx++ {
		if decode && mbx >= mbx0 && mbx < mbx1 {
			st.decodeMCU(mbx - mbx0)
		} else {
			st.skipMCU()
		}

		st.advance(base + mbx)
	}
}

// cropInto copies the dst-sized window of src at (x, y) into dst.
func cropInto(dst, src *Image, x, y int) {
	bpp := src.Format.BytesPerPixel()
	for row := 0; row < dst.Height; row++ {
		copy(dst.Row(row), src.Pix[(y+row)*src.Stride+x*bpp:])
	}
}

// prepareDst checks a caller supplied destination. A buffer of the wrong
// geometry is dropped so that a fresh one gets allocated; a buffer of the
// right geometry that is too small is an error.
func prepareDst(dst *Image, w, h int, format PixelFormat, log *slog.Logger) (*Image, error) {
	if dst == nil {
		return nil, nil
	}

	if !dst.sameGeometry(w, h, format) {
		log.Warn("destination buffer replaced",
			slog.Int("want_width", w), slog.Int("want_height", h), slog.String("want_format", format.String()),
			slog.Int("width", dst.Width), slog.Int("height", dst.Height), slog.String("format", dst.Format.String()))

		return nil, nil
	}

	if !dst.fits() {
		return nil, fmt.Errorf("%dx%d %s needs %d bytes, have %d: %w",
			w, h, format, dst.Stride*(h-1)+w*format.BytesPerPixel(), len(dst.Pix), ErrBufferTooSmall)
	}

	return dst, nil
}

// copyInto copies src into dst, which has the same geometry.
func copyInto(dst, src *Image) {
	for row := 0; row < src.Height; row++ {
		copy(dst.Row(row), src.Row(row))
	}
}

// sampleImage point-samples src with step s, using the same sampler as the
// tile engine.
func sampleImage(src *Image, s int, dst *Image) *Image {
	w, h := sampledSize(src.Width, s), sampledSize(src.Height, s)
	if s == 1 && dst == nil {
		return src
	}

	if dst == nil {
		dst = NewImage(w, h, src.Format)
	}

	bpp := src.Format.BytesPerPixel()
	for y := 0; y < h; y++ {
		in := src.Pix[sampleOffset(y, s, src.Height)*src.Stride:]
		out := dst.Row(y)

		for x := 0; x < w; x++ {
			sx := sampleOffset(x, s, src.Width) * bpp
			copy(out[x*bpp:(x+1)*bpp], in[sx:sx+bpp])
		}
	}

	return dst
}
