package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/xfmoulet/qoi"
	"golang.org/x/image/draw"

	"github.com/gen2brain/jpegtile"
	"github.com/gen2brain/jpegtile/internal/hwemu"
)

func main() {
	var inputFile = flag.String("input", "", "Input JPEG file (.jpg, or .zst for a zstd-compressed JPEG)")
	var outputFile = flag.String("output", "", "Output file, .png or .qoi (optional, defaults to input filename with .png extension)")
	var rectFlag = flag.String("rect", "", "Region to decode as x0,y0,x1,y1 (optional, defaults to the whole image)")
	var sample = flag.Int("sample", 1, "Integer downscale factor")
	var gray = flag.Bool("gray", false, "Decode to 8-bit grayscale")
	var hw = flag.Bool("hw", false, "Use the emulated hardware decoder")
	var busy = flag.Int("busy", 0, "Number of busy answers the emulated hardware gives first")
	var grid = flag.Int("grid", 0, "Decode the region as square tiles of this size")
	var workers = flag.Int("workers", 4, "Tile decode workers")
	var timeout = flag.Duration("timeout", 0, "Give up after this long")
	var verbose = flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *inputFile == "" {
		log.Fatal("Input file is required. Use -input flag.")
	}

	if err := checkFlags(*sample, *grid, *workers); err != nil {
		log.Fatal(err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	opts := &jpegtile.Options{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}

	var dev *hwemu.Device
	if *hw {
		dev = hwemu.New(hwemu.Config{BusyFor: *busy, Slots: *workers})
		opts.Accelerator = dev
	}

	format := jpegtile.FormatRGBA
	if *gray {
		format = jpegtile.FormatGray
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	in, closeInput, err := openInput(*inputFile)
	if err != nil {
		log.Fatalf("Failed to open input file: %v", err)
	}
	defer closeInput()

	dec := jpegtile.NewDecoder(in, opts)
	defer dec.Close()

	start := time.Now()

	var img *jpegtile.Image
	switch {
	case *rectFlag == "" && *grid <= 0:
		img, err = dec.DecodeWhole(ctx, *sample, format)
	default:
		img, err = decodeRegion(ctx, dec, *rectFlag, *sample, format, *grid, *workers)
	}
	if err != nil {
		log.Fatalf("Failed to decode: %v", err)
	}

	elapsed := time.Since(start)

	output := *outputFile
	if output == "" {
		base := strings.TrimSuffix(*inputFile, ".zst")
		output = strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
	}

	if err := writeImage(output, img.Image()); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}

	fmt.Printf("Decoded %s to %s in %v\n", *inputFile, output, elapsed)
	fmt.Printf("Image size: %dx%d pixels (%s)\n", img.Width, img.Height, img.Format)

	if dev != nil {
		s := dev.Stats()
		fmt.Printf("Hardware: %d parses (%d busy), %d decodes, %d resizes, %d cancels\n",
			s.Parses, s.Busy, s.Decodes, s.Resizes, s.Cancels)
	}
}

// openInput opens a JPEG file. A .zst file is decompressed while it is read,
// so only the bytes the decoder asks for are inflated.
func openInput(name string) (io.Reader, func(), error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}

	if filepath.Ext(name) != ".zst" {
		return f, func() { f.Close() }, nil
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()

		return nil, nil, err
	}

	return zr, func() {
		zr.Close()
		f.Close()
	}, nil
}

// decodeRegion decodes rect, as one region or as a grid of tiles decoded in
// parallel and joined.
func decodeRegion(ctx context.Context, dec *jpegtile.Decoder, rect string, sample int, format jpegtile.PixelFormat, grid, workers int) (*jpegtile.Image, error) {
	index, err := dec.BuildIndex(ctx)
	if err != nil {
		return nil, err
	}

	r := index.Bounds()
	if rect != "" {
		if r, err = parseRect(rect); err != nil {
			return nil, err
		}
	}

	if grid <= 0 {
		return index.DecodeRegion(ctx, jpegtile.RegionRequest{Rect: r, SampleSize: sample, Format: format})
	}

	step := tileStep(grid, sample)
	r = r.Intersect(index.Bounds())

	var reqs []jpegtile.RegionRequest
	for y := r.Min.Y; y < r.Max.Y; y += step {
		for x := r.Min.X; x < r.Max.X; x += step {
			t := image.Rect(x, y, x+step, y+step).Intersect(r)
			reqs = append(reqs, jpegtile.RegionRequest{Rect: t, SampleSize: sample, Format: format})
		}
	}

	tiles, err := index.DecodeRegions(ctx, reqs, workers)
	if err != nil {
		return nil, err
	}

	out := jpegtile.NewImage((r.Dx()+sample-1)/sample, (r.Dy()+sample-1)/sample, format)
	canvas := out.Image().(draw.Image)

	for i, t := range tiles {
		at := reqs[i].Rect.Min.Sub(r.Min).Div(sample)
		draw.Draw(canvas, t.Bounds().Add(at), t.Image(), image.Point{}, draw.Src)
	}

	return out, nil
}

// checkFlags validates the numeric flags.
func checkFlags(sample, grid, workers int) error {
	switch {
	case sample < 1:
		return fmt.Errorf("invalid -sample %d: must be at least 1", sample)
	case grid < 0:
		return fmt.Errorf("invalid -grid %d: must not be negative", grid)
	case workers < 1:
		return fmt.Errorf("invalid -workers %d: must be at least 1", workers)
	}

	return nil
}

// tileStep returns the grid tile size rounded down to a multiple of the
// sample size, so tiles join without seams.
func tileStep(grid, sample int) int {
	return max(grid/sample, 1) * sample
}

func parseRect(s string) (image.Rectangle, error) {
	var x0, y0, x1, y1 int
	if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &x0, &y0, &x1, &y1); err != nil {
		return image.Rectangle{}, fmt.Errorf("invalid rect %q: %w", s, err)
	}

	return image.Rect(x0, y0, x1, y1), nil
}

func writeImage(name string, img image.Image) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	defer file.Close()

	switch filepath.Ext(name) {
	case ".qoi":
		err = qoi.Encode(file, img)
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return err
	}

	return file.Close()
}
