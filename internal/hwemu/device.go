// Package hwemu emulates a hardware JPEG decoder on top of image/jpeg and
// golang.org/x/image/draw. It implements jpegtile.Accelerator and can inject
// busy answers and failures.
package hwemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"

	"github.com/gen2brain/jpegtile"
)

// Config controls the emulated behavior.
type Config struct {
	// Slots is the number of streams the device holds at once. Defaults to 1.
	Slots int
	// BusyFor answers that many Parse calls with ErrHardwareBusy first.
	BusyFor int
	// RejectDecode makes Decode fail.
	RejectDecode bool
	// ResizeErr, when set, is returned by every Resize call.
	ResizeErr error
	// ShortResize makes Resize report one row fewer than requested.
	ShortResize bool
	// Info overrides the dimensions reported by Info.
	Info *jpegtile.Info
}

// Stats counts device calls.
type Stats struct {
	Parses, Busy, Decodes, Resizes, Cancels int
}

type stream struct {
	cfg image.Config
}

// Device is an emulated accelerator. It is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	cfg      Config
	busyLeft int
	next     jpegtile.Handle
	streams  map[jpegtile.Handle]*stream
	stats    Stats
}

var _ jpegtile.Accelerator = (*Device)(nil)

// New returns a Device.
func New(cfg Config) *Device {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}

	return &Device{
		cfg:      cfg,
		busyLeft: cfg.BusyFor,
		streams:  make(map[jpegtile.Handle]*stream),
	}
}

// SetBusy makes the next n Parse calls answer busy.
func (d *Device) SetBusy(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.busyLeft = n
}

// Stats returns the call counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// Open returns the number of parsed streams not yet finished or cancelled.
func (d *Device) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.streams)
}

// Parse reads the stream header.
func (d *Device) Parse(ctx context.Context, data []byte) (jpegtile.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Parses++

	if d.busyLeft > 0 || len(d.streams) >= d.cfg.Slots {
		if d.busyLeft > 0 {
			d.busyLeft--
		}

		d.stats.Busy++

		return 0, jpegtile.ErrHardwareBusy
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("hwemu: %w: %w", jpegtile.ErrHardwareRejected, err)
	}

	d.next++
	d.streams[d.next] = &stream{cfg: cfg}

	return d.next, nil
}

// Info returns the geometry of a parsed stream.
func (d *Device) Info(h jpegtile.Handle) (jpegtile.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[h]
	if !ok {
		return jpegtile.Info{}, fmt.Errorf("hwemu: unknown handle %d", h)
	}

	if d.cfg.Info != nil {
		return *d.cfg.Info, nil
	}

	comps := 3
	if s.cfg.ColorModel == color.GrayModel {
		comps = 1
	}

	return jpegtile.Info{Width: s.cfg.Width, Height: s.cfg.Height, Components: comps}, nil
}

// Decode decodes a region of a parsed stream and finishes the handle.
func (d *Device) Decode(ctx context.Context, h jpegtile.Handle, p jpegtile.DecodeParams) (*jpegtile.Image, error) {
	d.mu.Lock()
	_, ok := d.streams[h]
	delete(d.streams, h)
	d.stats.Decodes++
	reject := d.cfg.RejectDecode
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("hwemu: unknown handle %d", h)
	}

	if reject {
		return nil, fmt.Errorf("hwemu: %w", jpegtile.ErrHardwareRejected)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.SampleSize < 1 {
		return nil, fmt.Errorf("hwemu: %w", jpegtile.ErrInvalidSampleSize)
	}

	src, err := jpeg.Decode(bytes.NewReader(p.Data))
	if err != nil {
		return nil, fmt.Errorf("hwemu: %w", err)
	}

	r := p.Region.Add(src.Bounds().Min)
	if !r.In(src.Bounds()) || r.Empty() {
		return nil, fmt.Errorf("hwemu: region %v outside %v", p.Region, src.Bounds())
	}

	w := (r.Dx() + p.SampleSize - 1) / p.SampleSize
	hgt := (r.Dy() + p.SampleSize - 1) / p.SampleSize

	out := jpegtile.NewImage(w, hgt, p.Format)
	dst := out.Image().(draw.Image)

	if p.SampleSize == 1 {
		draw.Draw(dst, out.Bounds(), src, r.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, out.Bounds(), src, r, draw.Src, nil)
	}

	return out, nil
}

// Resize scales src into dst.
func (d *Device) Resize(ctx context.Context, src, dst *jpegtile.Image) (int, error) {
	d.mu.Lock()
	d.stats.Resizes++
	cfg := d.cfg
	d.mu.Unlock()

	if cfg.ResizeErr != nil {
		return 0, cfg.ResizeErr
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if src.Format != dst.Format {
		return 0, errors.New("hwemu: resize cannot convert formats")
	}

	draw.BiLinear.Scale(dst.Image().(draw.Image), dst.Bounds(), src.Image(), src.Bounds(), draw.Src, nil)

	rows := dst.Height
	if cfg.ShortResize {
		rows--
	}

	return rows, nil
}

// Cancel abandons a handle. Unknown handles are ignored.
func (d *Device) Cancel(h jpegtile.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.streams, h)
	d.stats.Cancels++

	return nil
}
