package jpegtile

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// Index is a random-access index over one baseline JPEG stream. It is built
// once by a forward scan and is immutable afterwards, so any number of
// regions can be decoded from it concurrently.
type Index struct {
	f        *frame
	data     []byte
	points   []cursor // Seek points, cols per MCU row.
	interval int      // MCUs between seek points in a row.
	cols     int      // Seek points per MCU row.

	opts       *options
	proto      *decoderState // Positioned at the start of the scan; only cloned.
	concurrent bool

	serialMu sync.Mutex // Serializes software decodes when concurrency is off.
	resizeMu sync.Mutex // Guards the resize latch and the accelerator's resizer.
	resize   resizeLatch

	states sync.Pool
}

// buildIndex parses the header of data and walks every MCU of the scan once,
// recording a seek point every interval MCUs of each MCU row.
func buildIndex(ctx context.Context, data []byte, o *options) (*Index, error) {
	f, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	if err := f.checkScanSize(len(data)); err != nil {
		return nil, err
	}

	interval := o.indexInterval
	cols := (f.mbWidth + interval - 1) / interval

	x := &Index{
		f:        f,
		data:     data,
		points:   make([]cursor, f.mbHeight*cols),
		interval: interval,
		cols:     cols,
		opts:     o,
		proto:    newDecoderState(f, data),
	}

	st := x.proto.clone()
	for mby := 0; mby < f.mbHeight; mby++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		err := st.run(func() {
			for mbx := 0; mbx < f.mbWidth; mbx++ {
				if mbx%interval == 0 {
					x.points[mby*cols+mbx/interval] = st.cursor
				}

				st.skipMCU()
				st.advance(mby*f.mbWidth + mbx)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("index MCU row %d: %w", mby, err)
		}
	}

	// Progressive and multi-scan layouts never get here; see parseHeader.
	x.concurrent = !o.disableConcurrency && (f.ncomp == 1 || f.ncomp == 3)

	if o.accel == nil || o.disableHardwareResize || f.width*f.height > o.maxResizePixels {
		x.resize.disable()
	}

	x.states.New = func() any {
		return x.proto.clone()
	}

	o.log.Debug("index built",
		slog.Int("width", f.width), slog.Int("height", f.height),
		slog.Int("mcus", f.totalMCUs()), slog.Int("seek_points", len(x.points)),
		slog.Bool("concurrent", x.concurrent))

	return x, nil
}

// resume positions st in front of MCU (mbx, mby): it starts from the nearest
// seek point at or before it and entropy-skips the MCUs in between.
// It must run inside st.run.
func (x *Index) resume(st *decoderState, mby, mbx int) {
	col := mbx / x.interval
	st.seek(x.points[mby*x.cols+col])

	for m := col * x.interval; m < mbx; m++ {
		st.skipMCU()
		st.advance(mby*x.f.mbWidth + m)
	}
}

// Width returns the image width in pixels.
func (x *Index) Width() int {
	return x.f.width
}

// Height returns the image height in pixels.
func (x *Index) Height() int {
	return x.f.height
}

// Bounds returns the image rectangle.
func (x *Index) Bounds() image.Rectangle {
	return image.Rect(0, 0, x.f.width, x.f.height)
}

// SamplingFactors returns the horizontal and vertical sampling factor of
// every component, in frame order.
func (x *Index) SamplingFactors() []image.Point {
	out := make([]image.Point, x.f.ncomp)
	for i := range out {
		out[i] = image.Pt(x.f.comp[i].ssX, x.f.comp[i].ssY)
	}

	return out
}

// SeekPoints returns the number of recorded seek points.
func (x *Index) SeekPoints() int {
	return len(x.points)
}

// Concurrent reports whether regions are decoded in parallel.
func (x *Index) Concurrent() bool {
	return x.concurrent
}

// getState takes a decoder state from the pool.
func (x *Index) getState() *decoderState {
	return x.states.Get().(*decoderState)
}

// putState returns a decoder state to the pool.
func (x *Index) putState(st *decoderState) {
	x.states.Put(st)
}
