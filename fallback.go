package jpegtile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"
)

// decodeState is a step of the hardware/software decode state machine.
type decodeState int

const (
	stateInit decodeState = iota
	stateHWParse
	stateHWDecode
	stateDone
	stateFallback
	stateSWDecode
	stateFailed
)

func (s decodeState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateHWParse:
		return "HW_PARSE"
	case stateHWDecode:
		return "HW_DECODE"
	case stateDone:
		return "DONE"
	case stateFallback:
		return "FALLBACK"
	case stateSWDecode:
		return "SW_DECODE"
	case stateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("decodeState(%d)", int(s))
	}
}

// eoiWindow is how far from the end of the stream an EOI marker is looked
// for when the stream does not end with one.
const eoiWindow = 128

// hasEOI reports whether data carries an end of image marker at, or close
// to, its end.
func hasEOI(data []byte) bool {
	n := len(data)
	if n >= 2 && data[n-2] == 0xFF && data[n-1] == 0xD9 {
		return true
	}

	return bytes.LastIndex(data[max(0, n-eoiWindow):], []byte{0xFF, 0xD9}) >= 0
}

// job is one decode request as seen by the orchestrator.
type job struct {
	// buf is the stream of a whole-image decode. Region decodes read data.
	buf  *SpliceBuffer
	data []byte

	whole         bool
	region        image.Rectangle // Empty for whole-image decodes.
	width, height int             // Expected image size, 0 if unknown.
	sampleSize    int
	format        PixelFormat
	dst           *Image
	hardware      bool

	software func(ctx context.Context) (*Image, error)
}

func (j *job) bytes() []byte {
	if j.buf != nil {
		return j.buf.Bytes()
	}

	return j.data
}

// hardwareAttempt tracks the accelerator handle of one decode.
type hardwareAttempt struct {
	accel    Accelerator
	log      *slog.Logger
	handle   Handle
	retries  int
	consumed bool // A handle was obtained.
	released bool // The handle was finished or cancelled.
}

// release cancels a handle that was obtained and not finished. Cancel
// errors are only logged.
func (a *hardwareAttempt) release() {
	if !a.consumed || a.released {
		return
	}

	a.released = true
	if err := a.accel.Cancel(a.handle); err != nil {
		a.log.Warn("hardware cancel failed", slog.Uint64("handle", uint64(a.handle)), slog.Any("error", err))
	}
}

// orchestrator runs the decode state machine.
type orchestrator struct {
	opts  *options
	sleep func(ctx context.Context, d time.Duration) error
}

func newOrchestrator(o *options) *orchestrator {
	return &orchestrator{opts: o, sleep: sleepContext}
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// run drives j from INIT to DONE or FAILED.
func (oc *orchestrator) run(ctx context.Context, j *job) (*Image, error) {
	log := oc.opts.log
	att := &hardwareAttempt{accel: oc.opts.accel, log: log}

	var (
		img *Image
		err error
	)

	st := stateInit
	for {
		if st != stateDone && st != stateFailed && ctx.Err() != nil {
			att.release()

			return nil, cancelled(ctx)
		}

		next := st
		switch st {
		case stateInit:
			next = stateSWDecode
			if j.hardware && oc.opts.accel != nil {
				next = stateHWParse
			}
		case stateHWParse:
			err = oc.parse(ctx, j, att)
			next = stateHWDecode
		case stateHWDecode:
			img, err = oc.decodeHardware(ctx, j, att)
			next = stateDone
		case stateFallback:
			att.release()
			if j.buf != nil {
				j.buf.Rewind()
			}

			next = stateSWDecode
		case stateSWDecode:
			img, err = j.software(ctx)
			next = stateDone
			if err != nil {
				next = stateFailed
			}
		case stateDone:
			return img, nil
		case stateFailed:
			return nil, err
		}

		if (st == stateHWParse || st == stateHWDecode) && err != nil {
			if errors.Is(err, ErrCancelled) {
				att.release()

				return nil, err
			}

			log.Warn("hardware decode abandoned",
				slog.String("state", st.String()), slog.Int("retries", att.retries), slog.Any("error", err))

			next = stateFallback
			err = nil
		}

		log.Debug("decode state", slog.String("from", st.String()), slog.String("to", next.String()))
		st = next
	}
}

// parse offers the stream to the accelerator, sleeping between busy answers.
func (oc *orchestrator) parse(ctx context.Context, j *job, att *hardwareAttempt) error {
	b := oc.opts.backoff

	for attempt := 1; ; attempt++ {
		h, err := att.accel.Parse(ctx, j.bytes())
		if err == nil {
			att.handle = h
			att.consumed = true

			return nil
		}

		if !errors.Is(err, ErrHardwareBusy) {
			return fmt.Errorf("parse: %w", err)
		}

		if attempt >= b.MaxAttempts {
			return fmt.Errorf("parse: busy after %d attempts: %w", attempt, err)
		}

		att.retries++
		if err := oc.sleep(ctx, b.Delay(attempt)); err != nil {
			return cancelled(ctx)
		}
	}
}

// decodeHardware validates the stream and decodes it on the accelerator.
func (oc *orchestrator) decodeHardware(ctx context.Context, j *job, att *hardwareAttempt) (*Image, error) {
	if j.buf != nil && !j.buf.Exhausted() {
		if err := j.buf.GrowAll(); err != nil {
			return nil, err
		}
	}

	if !hasEOI(j.bytes()) {
		return nil, fmt.Errorf("no EOI marker: %w", ErrHardwareRejected)
	}

	info, err := att.accel.Info(att.handle)
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}

	if info.Width <= 0 || info.Height <= 0 ||
		(j.width != 0 && (info.Width != j.width || info.Height != j.height)) {
		return nil, fmt.Errorf("reported %dx%d, want %dx%d: %w",
			info.Width, info.Height, j.width, j.height, ErrHardwareRejected)
	}

	region := j.region
	if j.whole {
		region = image.Rect(0, 0, info.Width, info.Height)
	}

	w, h := sampledSize(region.Dx(), j.sampleSize), sampledSize(region.Dy(), j.sampleSize)

	dst, err := prepareDst(j.dst, w, h, j.format, oc.opts.log)
	if err != nil {
		return nil, err
	}

	img, err := att.accel.Decode(ctx, att.handle, DecodeParams{
		Region:     region,
		SampleSize: j.sampleSize,
		Format:     j.format,
		Data:       j.bytes(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}

		return nil, fmt.Errorf("decode: %w", err)
	}

	att.released = true

	if img == nil || !img.sameGeometry(w, h, j.format) || !img.fits() {
		return nil, fmt.Errorf("decode: unexpected output geometry: %w", ErrHardwareRejected)
	}

	if dst != nil {
		copyInto(dst, img)

		return dst, nil
	}

	return img, nil
}

const (
	latchUntried int32 = iota
	latchEnabled
	latchDisabled
)

// resizeLatch remembers whether hardware resizing works for an Index. The
// first attempt settles it; it changes only under Index.resizeMu.
type resizeLatch struct {
	v atomic.Int32
}

func (l *resizeLatch) usable() bool {
	return l.v.Load() != latchDisabled
}

func (l *resizeLatch) disable() {
	l.v.Store(latchDisabled)
}

// settle records the outcome of a resize and reports whether it was the
// first one.
func (l *resizeLatch) settle(ok bool) bool {
	if l.v.Load() != latchUntried {
		return false
	}

	if ok {
		l.v.Store(latchEnabled)
	} else {
		l.v.Store(latchDisabled)
	}

	return true
}
