package jpegtile

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// RegionRequest describes one region decode.
type RegionRequest struct {
	// Rect is the region in image pixels. It is clipped to the image and
	// must overlap it.
	Rect image.Rectangle
	// SampleSize is the integer downscale factor. Zero means 1.
	SampleSize int
	// Format is the pixel layout of the result.
	Format PixelFormat
	// Dst, when it has the result's geometry, receives the pixels.
	Dst *Image
}

// Session decodes regions of one Index with its own decoder state. A
// Session is not safe for concurrent use; use Clone to get one per goroutine.
type Session struct {
	index *Index
	state *decoderState
}

// NewSession returns a Session with fresh working buffers.
func (x *Index) NewSession() *Session {
	return &Session{index: x, state: x.proto.clone()}
}

// Clone returns an independent Session over the same Index.
func (s *Session) Clone() *Session {
	return &Session{index: s.index, state: s.state.clone()}
}

// DecodeRegion decodes one region.
func (s *Session) DecodeRegion(ctx context.Context, req RegionRequest) (*Image, error) {
	return s.index.decodeRegion(ctx, s.state, req)
}

// DecodeRegion decodes one region using a pooled decoder state. It is safe
// for concurrent use.
func (x *Index) DecodeRegion(ctx context.Context, req RegionRequest) (*Image, error) {
	st := x.getState()
	defer x.putState(st)

	return x.decodeRegion(ctx, st, req)
}

// DecodeRegions decodes reqs on up to workers goroutines, each with its own
// Session. Results are in request order. The first error cancels the rest.
func (x *Index) DecodeRegions(ctx context.Context, reqs []RegionRequest, workers int) ([]*Image, error) {
	if workers < 1 || !x.concurrent {
		workers = 1
	}

	workers = min(workers, len(reqs))
	out := make([]*Image, len(reqs))
	next := make(chan int)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(next)

		for i := range reqs {
			select {
			case next <- i:
			case <-ctx.Done():
				return cancelled(ctx)
			}
		}

		return nil
	})

	for w := 0; w < workers; w++ {
		s := x.NewSession()
		g.Go(func() error {
			for i := range next {
				img, err := s.DecodeRegion(ctx, reqs[i])
				if err != nil {
					return fmt.Errorf("region %d %v: %w", i, reqs[i].Rect, err)
				}

				out[i] = img
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, img := range out {
		if img == nil {
			return nil, fmt.Errorf("region %d %v: %w", i, reqs[i].Rect, ErrCancelled)
		}
	}

	return out, nil
}

func (x *Index) decodeRegion(ctx context.Context, st *decoderState, req RegionRequest) (*Image, error) {
	s := req.SampleSize
	if s == 0 {
		s = 1
	}

	if s < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleSize, s)
	}

	if !req.Format.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, req.Format)
	}

	clip := req.Rect.Intersect(x.Bounds())
	if clip.Empty() {
		return nil, fmt.Errorf("%w: %v in %v", ErrOutOfBounds, req.Rect, x.Bounds())
	}

	w, h := sampledSize(clip.Dx(), s), sampledSize(clip.Dy(), s)

	dst, err := prepareDst(req.Dst, w, h, req.Format, x.opts.log)
	if err != nil {
		return nil, err
	}

	o := x.opts
	j := &job{
		data:       x.data,
		region:     clip,
		width:      x.f.width,
		height:     x.f.height,
		sampleSize: s,
		format:     req.Format,
		dst:        dst,
		hardware:   !o.disableHardwareDecode && !o.disableHardwareRegion,
		software: func(ctx context.Context) (*Image, error) {
			if !x.concurrent {
				x.serialMu.Lock()
				defer x.serialMu.Unlock()
			}

			return x.softwareTile(ctx, st, clip, s, req.Format, dst)
		},
	}

	return o.orch.run(ctx, j)
}

// softwareTile decodes clip in software. With a sample size above one it
// first tries to decode at full resolution and scale on the accelerator.
func (x *Index) softwareTile(ctx context.Context, st *decoderState, clip image.Rectangle, s int, format PixelFormat, dst *Image) (*Image, error) {
	e := &tileEngine{f: x.f, index: x, log: x.opts.log}

	if s > 1 && x.resize.usable() {
		img, ok, err := x.resizeTile(ctx, e, st, clip, s, format, dst)
		if err != nil || ok {
			return img, err
		}
	}

	return e.decode(ctx, st, clip, s, format, dst)
}

// resizeTile decodes clip at full resolution and scales it on the
// accelerator. It reports false when the tile has to be sampled in software.
func (x *Index) resizeTile(ctx context.Context, e *tileEngine, st *decoderState, clip image.Rectangle, s int, format PixelFormat, dst *Image) (*Image, bool, error) {
	full, err := e.decode(ctx, st, clip, 1, format, nil)
	if err != nil {
		return nil, false, err
	}

	out := dst
	if out == nil {
		out = NewImage(sampledSize(clip.Dx(), s), sampledSize(clip.Dy(), s), format)
	}

	x.resizeMu.Lock()
	defer x.resizeMu.Unlock()

	// Another tile may have settled the latch while this one was decoding.
	if !x.resize.usable() {
		return nil, false, nil
	}

	rows, err := x.opts.accel.Resize(ctx, full, out)
	if err == nil && rows < out.Height {
		err = fmt.Errorf("resized %d of %d rows: %w", rows, out.Height, ErrHardwareRejected)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, false, cancelled(ctx)
		}

		if x.resize.settle(false) {
			x.opts.log.Warn("hardware resize disabled", slog.Any("error", err))
		} else {
			x.opts.log.Warn("hardware resize failed, sampling tile in software", slog.Any("error", err))
		}

		return nil, false, nil
	}

	if x.resize.settle(true) {
		x.opts.log.Debug("hardware resize enabled")
	}

	return out, true, nil
}
