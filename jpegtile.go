// Package jpegtile decodes rectangular regions of baseline JPEG images
// without decoding the rest of the image.
//
// A forward scan over the entropy-coded data builds an [Index] of seek
// points. Regions are then decoded from the nearest seek point, optionally
// point-sampled by an integer factor. An optional hardware [Accelerator] is
// tried first and the software decoder takes over whenever it is busy,
// rejects the stream or fails.
package jpegtile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Standard error types.
var (
	ErrMalformedHeader   = errors.New("malformed header")
	ErrUnsupportedLayout = errors.New("unsupported layout")
	ErrTruncatedStream   = errors.New("truncated stream")
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrCancelled         = errors.New("decode cancelled")
	ErrHardwareBusy      = errors.New("hardware busy")
	ErrHardwareRejected  = errors.New("hardware rejected")
	ErrFatal             = errors.New("corrupt entropy data")
	ErrOutOfBounds       = errors.New("region outside image")
	ErrInvalidSampleSize = errors.New("invalid sample size")
	ErrInvalidFormat     = errors.New("invalid pixel format")
	ErrClosed            = errors.New("decoder closed")
)

// Backoff controls how often a busy accelerator is asked again.
type Backoff struct {
	// MaxAttempts is the total number of Parse calls, including the first.
	MaxAttempts int
	// BaseDelay is the sleep after the first busy answer.
	BaseDelay time.Duration
	// MaxDelay caps a single sleep.
	MaxDelay time.Duration
	// Exponential doubles the delay per attempt instead of growing it linearly.
	Exponential bool
}

// Delay returns the sleep after the attempt-th busy answer, attempt >= 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Saturate instead of overflowing into a negative delay.
	d := time.Duration(math.MaxInt64)
	if b.Exponential {
		if shift := min(attempt-1, 62); b.BaseDelay <= d>>shift {
			d = b.BaseDelay << shift
		}
	} else if b.BaseDelay <= d/time.Duration(attempt) {
		d = b.BaseDelay * time.Duration(attempt)
	}

	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}

	return d
}

// Options specifies decoding parameters. The zero value is usable.
type Options struct {
	// Accelerator is the optional hardware decoder. Without one, everything
	// is decoded in software.
	Accelerator Accelerator
	// DisableHardwareDecode never offers whole images or regions to the accelerator.
	DisableHardwareDecode bool
	// DisableHardwareRegion never offers regions to the accelerator.
	DisableHardwareRegion bool
	// DisableHardwareResize never scales software tiles on the accelerator.
	DisableHardwareResize bool
	// DisableConcurrency serializes software region decodes of one Index.
	DisableConcurrency bool
	// PrefixSize is how much of the stream is read before the accelerator
	// is asked to parse it. Defaults to 64 KiB.
	PrefixSize int
	// Backoff for busy accelerators. Zero fields take the defaults:
	// 5 attempts, 10ms per attempt, at most 100ms.
	Backoff Backoff
	// MaxResizePixels disables hardware resizing for larger images.
	// Defaults to 25 MiB pixels.
	MaxResizePixels int
	// IndexInterval is the number of MCUs between seek points. Defaults to 4.
	IndexInterval int
	// Logger receives debug and warning events. Defaults to a discarding logger.
	Logger *slog.Logger
}

const (
	defaultPrefixSize      = 64 * 1024
	defaultMaxAttempts     = 5
	defaultBaseDelay       = 10 * time.Millisecond
	defaultMaxDelay        = 100 * time.Millisecond
	defaultMaxResizePixels = 25 << 20
	defaultIndexInterval   = 4
)

// options is Options with the defaults applied.
type options struct {
	accel                 Accelerator
	disableHardwareDecode bool
	disableHardwareRegion bool
	disableHardwareResize bool
	disableConcurrency    bool
	prefixSize            int
	backoff               Backoff
	maxResizePixels       int
	indexInterval         int
	log                   *slog.Logger
	orch                  *orchestrator
}

func newOptions(opts []*Options) *options {
	var in Options
	if len(opts) > 0 && opts[0] != nil {
		in = *opts[0]
	}

	o := &options{
		accel:                 in.Accelerator,
		disableHardwareDecode: in.DisableHardwareDecode,
		disableHardwareRegion: in.DisableHardwareRegion,
		disableHardwareResize: in.DisableHardwareResize,
		disableConcurrency:    in.DisableConcurrency,
		prefixSize:            in.PrefixSize,
		backoff:               in.Backoff,
		maxResizePixels:       in.MaxResizePixels,
		indexInterval:         in.IndexInterval,
		log:                   in.Logger,
	}

	if o.prefixSize <= 0 {
		o.prefixSize = defaultPrefixSize
	}

	if o.backoff.MaxAttempts <= 0 {
		o.backoff.MaxAttempts = defaultMaxAttempts
	}

	if o.backoff.BaseDelay <= 0 {
		o.backoff.BaseDelay = defaultBaseDelay
	}

	if o.backoff.MaxDelay <= 0 {
		o.backoff.MaxDelay = defaultMaxDelay
	}

	if o.maxResizePixels <= 0 {
		o.maxResizePixels = defaultMaxResizePixels
	}

	if o.indexInterval <= 0 {
		o.indexInterval = defaultIndexInterval
	}

	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}

	o.orch = newOrchestrator(o)

	return o
}

// Decoder owns one encoded image. It builds the region index at most once
// and keeps it until Close.
//
// Whole-image decodes and index builds are serialized; regions decoded from
// the built Index are not.
type Decoder struct {
	mu     sync.Mutex
	src    io.Reader
	buf    *SpliceBuffer
	opts   *options
	index  *Index
	closed bool
}

// NewDecoder returns a Decoder reading the encoded image from r. When r is a
// *SpliceBuffer it is used as is.
func NewDecoder(r io.Reader, opts ...*Options) *Decoder {
	d := &Decoder{
		src:  r,
		opts: newOptions(opts),
	}

	if sb, ok := r.(*SpliceBuffer); ok {
		d.buf = sb
	}

	return d
}

// splice captures the stream prefix on first use. Callers hold d.mu.
func (d *Decoder) splice() (*SpliceBuffer, error) {
	if d.buf != nil {
		return d.buf, nil
	}

	sb, err := CaptureSplice(d.src, d.opts.prefixSize)
	if err != nil {
		return nil, err
	}

	d.buf = sb

	return sb, nil
}

// BuildIndex builds the region index, or returns the one built before.
// A failed build leaves nothing behind and may be retried.
func (d *Decoder) BuildIndex(ctx context.Context) (*Index, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if d.index != nil {
		return d.index, nil
	}

	sb, err := d.splice()
	if err != nil {
		return nil, err
	}

	sb.Rewind()
	if err := sb.GrowAll(); err != nil {
		return nil, err
	}

	x, err := buildIndex(ctx, sb.Bytes(), d.opts)
	if err != nil {
		d.opts.log.Debug("index build failed", slog.Any("error", err))

		return nil, err
	}

	d.index = x

	return x, nil
}

// DecodeRegion builds the index if needed and decodes one region from it.
func (d *Decoder) DecodeRegion(ctx context.Context, req RegionRequest) (*Image, error) {
	x, err := d.BuildIndex(ctx)
	if err != nil {
		return nil, err
	}

	return x.DecodeRegion(ctx, req)
}

// DecodeWhole decodes the whole image, point-sampled with sampleSize.
// Layouts the region decoder does not handle, such as progressive images,
// are decoded too.
func (d *Decoder) DecodeWhole(ctx context.Context, sampleSize int, format PixelFormat) (*Image, error) {
	return d.DecodeWholeInto(ctx, sampleSize, format, nil)
}

// DecodeWholeInto is DecodeWhole writing into dst when its geometry matches.
func (d *Decoder) DecodeWholeInto(ctx context.Context, sampleSize int, format PixelFormat, dst *Image) (*Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	sb, err := d.splice()
	if err != nil {
		return nil, err
	}

	sb.Rewind()

	return decodeWhole(ctx, sb, sampleSize, format, dst, d.opts)
}

// Close releases the index. Regions still being decoded from it finish
// normally.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.index = nil
	d.buf = nil

	return nil
}

// BuildIndex reads the whole stream from r and builds its region index.
func BuildIndex(ctx context.Context, r io.Reader, opts ...*Options) (*Index, error) {
	return NewDecoder(r, opts...).BuildIndex(ctx)
}

// DecodeWhole reads a JPEG image from r and decodes all of it.
func DecodeWhole(ctx context.Context, r io.Reader, sampleSize int, format PixelFormat, opts ...*Options) (*Image, error) {
	return NewDecoder(r, opts...).DecodeWhole(ctx, sampleSize, format)
}

// A reasonable upper limit for the size of JPEG headers.
const maxHeaderSize = 65536

// A pool for header-sized buffers to reduce allocations in DecodeConfig.
var headerBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxHeaderSize)

		return &b
	},
}

// DecodeConfig returns the color model and dimensions of a JPEG image
// without decoding its entropy-coded data.
func DecodeConfig(r io.Reader) (image.Config, error) {
	bufPtr := headerBufferPool.Get().(*[]byte)
	defer headerBufferPool.Put(bufPtr)
	headerData := *bufPtr

	// A file smaller than the buffer ends with io.ErrUnexpectedEOF, which is fine.
	n, err := io.ReadFull(r, headerData)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return image.Config{}, err
	}

	f, err := parseConfig(headerData[:n])
	if err != nil {
		// Segments in front of the frame header can outgrow the buffer.
		if errors.Is(err, ErrUnsupportedLayout) || n == len(headerData) {
			return jpeg.DecodeConfig(io.MultiReader(bytes.NewReader(headerData[:n]), r))
		}

		return image.Config{}, err
	}

	cm := color.YCbCrModel
	switch {
	case f.ncomp == 1:
		cm = color.GrayModel
	case f.isRGB:
		cm = color.RGBAModel
	}

	return image.Config{
		ColorModel: cm,
		Width:      f.width,
		Height:     f.height,
	}, nil
}
