package jpegtile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeAccel is a scriptable Accelerator. Decoded and resized pixels are all
// set to fill so that hardware output is easy to tell from software output.
type fakeAccel struct {
	mu sync.Mutex

	width, height int
	fill          byte

	busy        int   // Busy answers left.
	parseErr    error // Returned by every Parse once busy is used up.
	info        *Info
	decodeErr   error
	onDecode    func()
	badGeometry bool
	resizeErr   func(call int) error
	shortResize bool

	next                              int
	parses, decodes, resizes, cancels int
	parseLen, decodeLen               int
}

func (a *fakeAccel) Parse(_ context.Context, data []byte) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.parses++
	a.parseLen = len(data)

	if a.busy > 0 {
		a.busy--

		return 0, ErrHardwareBusy
	}

	if a.parseErr != nil {
		return 0, a.parseErr
	}

	a.next++

	return Handle(a.next), nil
}

func (a *fakeAccel) Info(Handle) (Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.info != nil {
		return *a.info, nil
	}

	return Info{Width: a.width, Height: a.height, Components: 3}, nil
}

func (a *fakeAccel) Decode(ctx context.Context, _ Handle, p DecodeParams) (*Image, error) {
	a.mu.Lock()
	a.decodes++
	a.decodeLen = len(p.Data)
	onDecode := a.onDecode
	a.mu.Unlock()

	if onDecode != nil {
		onDecode()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.decodeErr != nil {
		return nil, a.decodeErr
	}

	w := sampledSize(p.Region.Dx(), p.SampleSize)
	h := sampledSize(p.Region.Dy(), p.SampleSize)
	if a.badGeometry {
		w++
	}

	img := NewImage(w, h, p.Format)
	for i := range img.Pix {
		img.Pix[i] = a.fill
	}

	return img, nil
}

func (a *fakeAccel) Resize(_ context.Context, _, dst *Image) (int, error) {
	a.mu.Lock()
	a.resizes++
	call := a.resizes
	a.mu.Unlock()

	if a.resizeErr != nil {
		if err := a.resizeErr(call); err != nil {
			return 0, err
		}
	}

	for i := range dst.Pix {
		dst.Pix[i] = a.fill
	}

	if a.shortResize {
		return dst.Height - 1, nil
	}

	return dst.Height, nil
}

func (a *fakeAccel) Cancel(Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancels++

	return nil
}

// filled reports whether every pixel byte of m is b.
func filled(m *Image, b byte) bool {
	for y := 0; y < m.Height; y++ {
		for _, v := range m.Row(y) {
			if v != b {
				return false
			}
		}
	}

	return true
}

// recordSleeps replaces the backoff sleep of o and returns the slept delays.
func recordSleeps(o *options) *[]time.Duration {
	var slept []time.Duration
	o.orch.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	return &slept
}

func TestBackoffDelay(t *testing.T) {
	testCases := []struct {
		name string
		b    Backoff
		want []time.Duration
	}{
		{
			"Linear",
			Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
			[]time.Duration{10, 20, 30, 40, 50},
		},
		{
			"LinearCapped",
			Backoff{BaseDelay: 40 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
			[]time.Duration{40, 80, 100, 100, 100},
		},
		{
			"Exponential",
			Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Exponential: true},
			[]time.Duration{10, 20, 40, 80, 100},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for i, want := range tc.want {
				if got := tc.b.Delay(i + 1); got != want*time.Millisecond {
					t.Errorf("Delay(%d): got %v, want %v", i+1, got, want*time.Millisecond)
				}
			}
		})
	}
}

func TestBackoffDelayOverflow(t *testing.T) {
	testCases := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{"ExponentialCapped", Backoff{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour, Exponential: true}, 40, 2 * time.Hour},
		{"ExponentialLate", Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Second, Exponential: true}, 1000, time.Second},
		{"ExponentialUncapped", Backoff{BaseDelay: time.Hour, Exponential: true}, 100, math.MaxInt64},
		{"LinearCapped", Backoff{BaseDelay: time.Duration(math.MaxInt64 / 2), MaxDelay: time.Minute}, 3, time.Minute},
		{"LinearUncapped", Backoff{BaseDelay: time.Duration(math.MaxInt64 / 2)}, 3, math.MaxInt64},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.b.Delay(tc.attempt); got != tc.want {
				t.Errorf("Delay(%d): got %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	o := newOptions(nil)

	if o.backoff.MaxAttempts != 5 || o.backoff.BaseDelay != 10*time.Millisecond || o.backoff.MaxDelay != 100*time.Millisecond {
		t.Errorf("unexpected backoff defaults %+v", o.backoff)
	}

	if o.prefixSize != 64*1024 || o.maxResizePixels != 25<<20 || o.indexInterval != 4 {
		t.Errorf("unexpected defaults: prefix %d, resize pixels %d, interval %d", o.prefixSize, o.maxResizePixels, o.indexInterval)
	}

	if o.log == nil || o.orch == nil {
		t.Errorf("logger and orchestrator must be set")
	}
}

// TestHardwareBusyRetry checks that fewer busy answers than the attempt cap
// still end in a hardware decode, after one sleep per busy answer.
func TestHardwareBusyRetry(t *testing.T) {
	data := colorJPEG(t)
	r := image.Rect(10, 10, 100, 80)

	for busy := 0; busy < 5; busy++ {
		a := &fakeAccel{width: 203, height: 141, fill: 0xAB, busy: busy}
		x := buildTestIndex(t, data, &Options{Accelerator: a})
		slept := recordSleeps(x.opts)

		img, err := x.DecodeRegion(t.Context(), RegionRequest{Rect: r, SampleSize: 2})
		if err != nil {
			t.Fatalf("busy %d: DecodeRegion failed: %v", busy, err)
		}

		if !filled(img, 0xAB) {
			t.Errorf("busy %d: result did not come from the accelerator", busy)
		}

		if a.parses != busy+1 || len(*slept) != busy {
			t.Errorf("busy %d: got %d parses and %d sleeps", busy, a.parses, len(*slept))
		}

		for i, d := range *slept {
			if want := time.Duration(i+1) * 10 * time.Millisecond; d != want {
				t.Errorf("busy %d: sleep %d was %v, want %v", busy, i, d, want)
			}
		}

		if a.cancels != 0 {
			t.Errorf("busy %d: finished handle was cancelled", busy)
		}
	}
}

// TestHardwareBusyFallback checks that hitting the attempt cap decodes in
// software, with the same pixels as a software-only decode.
func TestHardwareBusyFallback(t *testing.T) {
	data := colorJPEG(t)
	r := image.Rect(10, 10, 100, 80)

	want, err := buildTestIndex(t, data).DecodeRegion(t.Context(), RegionRequest{Rect: r})
	if err != nil {
		t.Fatalf("software DecodeRegion failed: %v", err)
	}

	a := &fakeAccel{width: 203, height: 141, fill: 0xAB, busy: 100}
	x := buildTestIndex(t, data, &Options{Accelerator: a})
	slept := recordSleeps(x.opts)

	got, err := x.DecodeRegion(t.Context(), RegionRequest{Rect: r})
	if err != nil {
		t.Fatalf("DecodeRegion failed: %v", err)
	}

	if !samePixels(got, want) {
		t.Errorf("fallback result differs from the software decode")
	}

	if a.parses != 5 || len(*slept) != 4 || a.decodes != 0 || a.cancels != 0 {
		t.Errorf("got %d parses, %d sleeps, %d decodes, %d cancels; want 5, 4, 0, 0",
			a.parses, len(*slept), a.decodes, a.cancels)
	}
}

func TestHardwareRejected(t *testing.T) {
	data := colorJPEG(t)
	noEOI := data[:len(data)-2]
	r := image.Rect(40, 30, 160, 130)

	testCases := []struct {
		name    string
		data    []byte
		accel   *fakeAccel
		cancels int
	}{
		{"ParseError", data, &fakeAccel{parseErr: errors.New("bad stream")}, 0},
		{"InfoMismatch", data, &fakeAccel{info: &Info{Width: 10, Height: 10}}, 1},
		{"DecodeError", data, &fakeAccel{decodeErr: errors.New("device fault")}, 1},
		{"BadGeometry", data, &fakeAccel{badGeometry: true}, 0},
		{"NoEOI", noEOI, &fakeAccel{}, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			want, err := buildTestIndex(t, tc.data).DecodeRegion(t.Context(), RegionRequest{Rect: r})
			if err != nil {
				t.Fatalf("software DecodeRegion failed: %v", err)
			}

			a := tc.accel
			a.width, a.height, a.fill = 203, 141, 0xAB

			x := buildTestIndex(t, tc.data, &Options{Accelerator: a})

			got, err := x.DecodeRegion(t.Context(), RegionRequest{Rect: r})
			if err != nil {
				t.Fatalf("DecodeRegion failed: %v", err)
			}

			if !samePixels(got, want) {
				t.Errorf("fallback result differs from the software decode")
			}

			if a.cancels != tc.cancels {
				t.Errorf("got %d cancels, want %d", a.cancels, tc.cancels)
			}
		})
	}
}

func TestHardwareCancelled(t *testing.T) {
	data := colorJPEG(t)

	t.Run("DuringBackoff", func(t *testing.T) {
		a := &fakeAccel{width: 203, height: 141, busy: 3}
		x := buildTestIndex(t, data, &Options{Accelerator: a})

		ctx, cancel := context.WithCancel(t.Context())
		x.opts.orch.sleep = func(ctx context.Context, _ time.Duration) error {
			cancel()

			return ctx.Err()
		}

		_, err := x.DecodeRegion(ctx, RegionRequest{Rect: x.Bounds()})
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("got error %v, want %v", err, ErrCancelled)
		}

		if a.parses != 1 || a.cancels != 0 {
			t.Errorf("got %d parses and %d cancels, want 1 and 0", a.parses, a.cancels)
		}
	})

	t.Run("DuringDecode", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		a := &fakeAccel{width: 203, height: 141, onDecode: cancel}
		x := buildTestIndex(t, data, &Options{Accelerator: a})

		_, err := x.DecodeRegion(ctx, RegionRequest{Rect: x.Bounds()})
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("got error %v, want %v", err, ErrCancelled)
		}

		if a.cancels != 1 {
			t.Errorf("abandoned handle cancelled %d times, want 1", a.cancels)
		}
	})
}

func TestHardwareWhole(t *testing.T) {
	data := colorJPEG(t)

	t.Run("ShortPrefix", func(t *testing.T) {
		a := &fakeAccel{width: 203, height: 141, fill: 0x42}
		d := NewDecoder(bytes.NewReader(data), &Options{Accelerator: a, PrefixSize: 64})

		img, err := d.DecodeWhole(t.Context(), 4, FormatGray)
		if err != nil {
			t.Fatalf("DecodeWhole failed: %v", err)
		}

		if img.Width != 51 || img.Height != 36 || !filled(img, 0x42) {
			t.Errorf("got %dx%d, want a 51x36 hardware result", img.Width, img.Height)
		}

		if a.parseLen != 64 || a.decodeLen != len(data) {
			t.Errorf("parse saw %d bytes, decode %d; want 64 and %d", a.parseLen, a.decodeLen, len(data))
		}
	})

	t.Run("InfoMismatch", func(t *testing.T) {
		want := decodeWholeTest(t, data, 2, FormatRGBA)

		a := &fakeAccel{width: 200, height: 141, fill: 0x42}
		d := NewDecoder(bytes.NewReader(data), &Options{Accelerator: a})

		got, err := d.DecodeWhole(t.Context(), 2, FormatRGBA)
		if err != nil {
			t.Fatalf("DecodeWhole failed: %v", err)
		}

		if !samePixels(got, want) || a.cancels != 1 {
			t.Errorf("expected a software result after one cancel, got %d cancels", a.cancels)
		}
	})

	t.Run("Into", func(t *testing.T) {
		a := &fakeAccel{width: 203, height: 141, fill: 0x42}
		d := NewDecoder(bytes.NewReader(data), &Options{Accelerator: a})
		dst := NewImage(102, 71, FormatRGBA)

		got, err := d.DecodeWholeInto(t.Context(), 2, FormatRGBA, dst)
		if err != nil {
			t.Fatalf("DecodeWholeInto failed: %v", err)
		}

		if got != dst || !filled(dst, 0x42) {
			t.Errorf("hardware result was not copied into the destination")
		}
	})
}

func TestHardwareDisabled(t *testing.T) {
	data := colorJPEG(t)

	a := &fakeAccel{width: 203, height: 141, fill: 0x42}
	d := NewDecoder(bytes.NewReader(data), &Options{Accelerator: a, DisableHardwareRegion: true})

	if _, err := d.DecodeRegion(t.Context(), RegionRequest{Rect: image.Rect(0, 0, 50, 50)}); err != nil {
		t.Fatalf("DecodeRegion failed: %v", err)
	}

	if a.parses != 0 {
		t.Errorf("region offered to disabled hardware")
	}

	if _, err := d.DecodeWhole(t.Context(), 1, FormatRGBA); err != nil {
		t.Fatalf("DecodeWhole failed: %v", err)
	}

	if a.parses != 1 {
		t.Errorf("whole image not offered to hardware: %d parses", a.parses)
	}

	b := &fakeAccel{width: 203, height: 141}
	d = NewDecoder(bytes.NewReader(data), &Options{Accelerator: b, DisableHardwareDecode: true})

	if _, err := d.DecodeWhole(t.Context(), 1, FormatRGBA); err != nil {
		t.Fatalf("DecodeWhole failed: %v", err)
	}

	if b.parses != 0 {
		t.Errorf("whole image offered to disabled hardware")
	}
}

// TestResizeLatch checks how hardware resizing of software tiles settles.
func TestResizeLatch(t *testing.T) {
	data := colorJPEG(t)
	soft := buildTestIndex(t, data)

	var reqs []RegionRequest
	for i := 0; i < 6; i++ {
		reqs = append(reqs, RegionRequest{Rect: image.Rect(i*30, i*20, i*30+40, i*20+30), SampleSize: 2})
	}

	fail := errors.New("resizer fault")

	testCases := []struct {
		name    string
		accel   *fakeAccel
		opts    Options
		resizes int
		hw      func(i int) bool // Whether tile i comes from the resizer.
	}{
		{"Works", &fakeAccel{}, Options{}, 6, func(int) bool { return true }},
		{"FailsFirst", &fakeAccel{resizeErr: func(int) error { return fail }}, Options{}, 1, func(int) bool { return false }},
		{"FailsLater", &fakeAccel{resizeErr: func(call int) error {
			if call > 1 {
				return fail
			}

			return nil
		}}, Options{}, 6, func(i int) bool { return i == 0 }},
		{"Short", &fakeAccel{shortResize: true}, Options{}, 1, func(int) bool { return false }},
		{"TooLarge", &fakeAccel{}, Options{MaxResizePixels: 1000}, 0, func(int) bool { return false }},
		{"Disabled", &fakeAccel{}, Options{DisableHardwareResize: true}, 0, func(int) bool { return false }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := tc.accel
			a.width, a.height, a.fill = 203, 141, 0x5A

			opts := tc.opts
			opts.Accelerator = a
			opts.DisableHardwareRegion = true

			x := buildTestIndex(t, data, &opts)

			for i, req := range reqs {
				got, err := x.DecodeRegion(t.Context(), req)
				if err != nil {
					t.Fatalf("tile %d: DecodeRegion failed: %v", i, err)
				}

				want, err := soft.DecodeRegion(t.Context(), req)
				if err != nil {
					t.Fatalf("tile %d: software DecodeRegion failed: %v", i, err)
				}

				if tc.hw(i) {
					if !filled(got, 0x5A) {
						t.Errorf("tile %d: expected resizer output", i)
					}
				} else if !samePixels(got, want) {
					t.Errorf("tile %d: expected software sampling", i)
				}
			}

			if a.resizes != tc.resizes {
				t.Errorf("got %d resize calls, want %d", a.resizes, tc.resizes)
			}
		})
	}
}

func TestResizeLatchFullSize(t *testing.T) {
	a := &fakeAccel{width: 203, height: 141}
	x := buildTestIndex(t, colorJPEG(t), &Options{Accelerator: a, DisableHardwareRegion: true})

	if _, err := x.DecodeRegion(t.Context(), RegionRequest{Rect: image.Rect(0, 0, 64, 64)}); err != nil {
		t.Fatalf("DecodeRegion failed: %v", err)
	}

	if a.resizes != 0 {
		t.Errorf("full size tile was resized")
	}
}

func TestHasEOI(t *testing.T) {
	tail := bytes.Repeat([]byte{0x00}, 100)

	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{"AtEnd", []byte{0x01, 0xFF, 0xD9}, true},
		{"Empty", nil, false},
		{"Missing", []byte{0xFF, 0xD8, 0x00, 0x12}, false},
		{"NearEnd", append([]byte{0xFF, 0xD9}, tail...), true},
		{"TooFar", append(append([]byte{0xFF, 0xD9}, tail...), tail...), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasEOI(tc.data); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeStateString(t *testing.T) {
	want := []string{"INIT", "HW_PARSE", "HW_DECODE", "DONE", "FALLBACK", "SW_DECODE", "FAILED"}
	for i, w := range want {
		if got := decodeState(i).String(); got != w {
			t.Errorf("state %d: got %q, want %q", i, got, w)
		}
	}
}
