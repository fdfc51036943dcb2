package jpegtile

import (
	"fmt"
)

// vlcCode represents a single entry in the pre-calculated Huffman lookup table.
// It stores the number of bits for the code and the decoded value.
type vlcCode struct {
	bits, code uint8
}

// huffTable is a 16-bit direct lookup table for one Huffman table.
type huffTable [65536]vlcCode

// component stores the immutable description of a single color component.
type component struct {
	id                 int // Component identifier (e.g., 1 for Y, 2 for Cb, 3 for Cr).
	ssX, ssY           int // Sampling factors for X and Y axes.
	qtSel              int // Quantization table selector.
	dcTabSel, acTabSel int // Huffman table selectors for DC and AC coefficients.
}

// frame is everything learned from the markers preceding the entropy-coded
// segment. It is never modified after parseHeader returns, so it is shared by
// all sessions of an image.
type frame struct {
	width, height     int // Dimensions of the image.
	mbWidth, mbHeight int // Dimensions of the image in MCUs.
	mbSizeX, mbSizeY  int // Dimensions of a single MCU in pixels.
	ssxMax, ssyMax    int // Largest sampling factors.
	ncomp             int
	comp              [3]component
	qtab              [4][64]uint16 // Quantization tables in zigzag order.
	vlcTab            [4]*huffTable // 0-1 DC, 2-3 AC.
	rstInterval       int           // Restart interval in MCUs.
	isRGB             bool          // Adobe APP14 transform 0 or R/G/B component ids.
	scanStart         int           // Offset of the first entropy-coded byte.
}

// markerReader walks the marker segments in front of the scan.
type markerReader struct {
	data   []byte
	pos    int // Current position index in the input buffer.
	size   int // Remaining bytes to be processed.
	length int // Length of the current marker segment.
}

// skip advances the current position by 'count' bytes.
func (m *markerReader) skip(count int) error {
	m.pos += count
	m.size -= count

	if m.length >= count {
		m.length -= count
	} else {
		m.length = 0
	}

	if m.size < 0 {
		return fmt.Errorf("segment runs past end of data: %w", ErrMalformedHeader)
	}

	return nil
}

// decode16 reads a 16-bit big-endian integer from the specified offset.
func (m *markerReader) decode16(offset int) int {
	p := m.pos + offset

	return (int(m.data[p]) << 8) | int(m.data[p+1])
}

// decodeLength reads the 16-bit length field of a marker segment.
func (m *markerReader) decodeLength() error {
	if m.size < 2 {
		return ErrMalformedHeader
	}

	m.length = m.decode16(0)
	if m.length > m.size || m.length < 2 {
		return fmt.Errorf("bad segment length %d: %w", m.length, ErrMalformedHeader)
	}

	// m.length now holds the size of the remaining payload.
	return m.skip(2)
}

// skipMarker reads the length of the current marker's payload and skips it.
func (m *markerReader) skipMarker() error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	return m.skip(m.length)
}

// decodeAPP14 decodes the APP14 "Adobe" marker segment, which specifies the color space transformation.
func (m *markerReader) decodeAPP14(f *frame) error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	if m.length >= 12 &&
		m.data[m.pos+0] == 'A' &&
		m.data[m.pos+1] == 'd' &&
		m.data[m.pos+2] == 'o' &&
		m.data[m.pos+3] == 'b' &&
		m.data[m.pos+4] == 'e' {
		// 0: RGB (or Grayscale), 1: YCbCr, 2: YCCK.
		if m.data[m.pos+11] == 0 {
			f.isRGB = true
		}
	}

	return m.skip(m.length)
}

// decodeSOF decodes the Start of Frame segment.
func (m *markerReader) decodeSOF(f *frame) error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	if m.length < 9 {
		return ErrMalformedHeader
	}

	if m.data[m.pos] != 8 {
		return fmt.Errorf("%d-bit precision: %w", m.data[m.pos], ErrUnsupportedLayout)
	}

	f.height = m.decode16(1)
	f.width = m.decode16(3)
	if f.width == 0 || f.height == 0 {
		return fmt.Errorf("zero dimension: %w", ErrMalformedHeader)
	}

	f.ncomp = int(m.data[m.pos+5])
	if err := m.skip(6); err != nil {
		return err
	}

	switch f.ncomp {
	case 1, 3: // Grayscale or YCbCr/RGB
	default:
		return fmt.Errorf("%d components: %w", f.ncomp, ErrUnsupportedLayout)
	}

	if m.length < f.ncomp*3 {
		return ErrMalformedHeader
	}

	ssxMax, ssyMax := 0, 0
	for i := 0; i < f.ncomp; i++ {
		c := &f.comp[i]
		c.id = int(m.data[m.pos])

		c.ssX = int(m.data[m.pos+1]) >> 4
		c.ssY = int(m.data[m.pos+1]) & 15
		if c.ssX == 0 || (c.ssX&(c.ssX-1)) != 0 || c.ssY == 0 || (c.ssY&(c.ssY-1)) != 0 {
			return fmt.Errorf("sampling factor %dx%d: %w", c.ssX, c.ssY, ErrUnsupportedLayout)
		}

		c.qtSel = int(m.data[m.pos+2])
		if (c.qtSel & 0xFC) != 0 {
			return ErrMalformedHeader
		}

		if err := m.skip(3); err != nil {
			return err
		}

		ssxMax = max(ssxMax, c.ssX)
		ssyMax = max(ssyMax, c.ssY)
	}

	if f.ncomp == 1 {
		// A single component is always coded in 8x8 MCUs.
		f.comp[0].ssX, f.comp[0].ssY = 1, 1
		ssxMax, ssyMax = 1, 1
	} else {
		if f.comp[0].id == 'R' && f.comp[1].id == 'G' && f.comp[2].id == 'B' {
			f.isRGB = true
		}

		for i := 0; i < f.ncomp; i++ {
			c := &f.comp[i]
			if ssxMax%c.ssX != 0 || ssyMax%c.ssY != 0 {
				return fmt.Errorf("sampling factor %dx%d: %w", c.ssX, c.ssY, ErrUnsupportedLayout)
			}
		}
	}

	f.ssxMax, f.ssyMax = ssxMax, ssyMax
	f.mbSizeX = ssxMax << 3
	f.mbSizeY = ssyMax << 3
	f.mbWidth = (f.width + f.mbSizeX - 1) / f.mbSizeX
	f.mbHeight = (f.height + f.mbSizeY - 1) / f.mbSizeY

	return m.skip(m.length)
}

// decodeDHT decodes the Define Huffman Table segment and builds the lookup tables.
func (m *markerReader) decodeDHT(f *frame) error {
	var counts [16]uint8
	if err := m.decodeLength(); err != nil {
		return err
	}

	for m.length >= 17 {
		i := int(m.data[m.pos])
		if (i & 0xEC) != 0 {
			return fmt.Errorf("huffman table id 0x%02x: %w", i, ErrMalformedHeader)
		}

		if (i & 0x02) != 0 {
			// Table slots 2 and 3 only exist in extended and progressive frames.
			return fmt.Errorf("huffman table id 0x%02x: %w", i, ErrUnsupportedLayout)
		}

		i = (i | (i >> 3)) & 3 // Table index: 0-1 for DC, 2-3 for AC.

		for codeLen := 1; codeLen <= 16; codeLen++ {
			counts[codeLen-1] = m.data[m.pos+codeLen]
		}

		if err := m.skip(17); err != nil {
			return err
		}

		var n int
		for _, num := range counts {
			n += int(num)
		}

		if n > 256 || n > m.length {
			return ErrMalformedHeader
		}

		vlc := new(huffTable)

		var huffCode uint32
		valueIdx := 0

		for codeLen := 1; codeLen <= 16; codeLen++ {
			numCodes := int(counts[codeLen-1])
			for k := 0; k < numCodes; k++ {
				huffVal := m.data[m.pos+valueIdx]
				valueIdx++
				shift := 16 - codeLen
				numEntries := 1 << shift
				baseIndex := huffCode << shift

				for j := 0; j < numEntries; j++ {
					index := baseIndex + uint32(j)
					if index < 65536 {
						vlc[index].bits = uint8(codeLen)
						vlc[index].code = huffVal
					}
				}

				huffCode++
			}

			huffCode <<= 1
		}

		f.vlcTab[i] = vlc

		if err := m.skip(n); err != nil {
			return err
		}
	}

	if m.length != 0 {
		return ErrMalformedHeader
	}

	return nil
}

// decodeDQT decodes the Define Quantization Table segment.
func (m *markerReader) decodeDQT(f *frame, qtAvail *int) error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	for m.length >= 65 {
		i := int(m.data[m.pos])
		if (i & 0xFC) != 0 {
			// 16-bit tables (Pq=1) only appear with 12-bit precision.
			return fmt.Errorf("quantization table id 0x%02x: %w", i, ErrUnsupportedLayout)
		}

		*qtAvail |= 1 << i
		for j := 0; j < 64; j++ {
			f.qtab[i][j] = uint16(m.data[m.pos+j+1])
		}

		if err := m.skip(65); err != nil {
			return err
		}
	}

	if m.length != 0 {
		return ErrMalformedHeader
	}

	return nil
}

// decodeDRI decodes the Define Restart Interval segment.
func (m *markerReader) decodeDRI(f *frame) error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	if m.length < 2 {
		return ErrMalformedHeader
	}

	f.rstInterval = m.decode16(0)

	return m.skip(m.length)
}

// decodeSOS decodes the Start of Scan header. Only a single interleaved
// baseline scan can be walked tile by tile.
func (m *markerReader) decodeSOS(f *frame, qtAvail int) error {
	if err := m.decodeLength(); err != nil {
		return err
	}

	if m.length < 1 {
		return ErrMalformedHeader
	}

	nCompScan := int(m.data[m.pos])
	if m.length < 4+2*nCompScan || nCompScan < 1 || nCompScan > 4 {
		return ErrMalformedHeader
	}

	if nCompScan != f.ncomp {
		return fmt.Errorf("non-interleaved scan: %w", ErrUnsupportedLayout)
	}

	if err := m.skip(1); err != nil {
		return err
	}

	qtNeeded := 0
	for i := 0; i < nCompScan; i++ {
		c := &f.comp[i]
		if int(m.data[m.pos]) != c.id {
			return fmt.Errorf("scan component order: %w", ErrUnsupportedLayout)
		}

		c.dcTabSel = int(m.data[m.pos+1]) >> 4
		c.acTabSel = int(m.data[m.pos+1]) & 0x0F
		if c.dcTabSel > 1 || c.acTabSel > 1 {
			return ErrMalformedHeader
		}

		if f.vlcTab[c.dcTabSel] == nil || f.vlcTab[c.acTabSel+2] == nil {
			return fmt.Errorf("missing huffman table: %w", ErrMalformedHeader)
		}

		qtNeeded |= 1 << c.qtSel

		if err := m.skip(2); err != nil {
			return err
		}
	}

	if (qtNeeded &^ qtAvail) != 0 {
		return fmt.Errorf("missing quantization table: %w", ErrMalformedHeader)
	}

	// Check for baseline DCT parameters.
	if m.data[m.pos] != 0 || m.data[m.pos+1] != 63 || m.data[m.pos+2] != 0 {
		return fmt.Errorf("spectral selection: %w", ErrUnsupportedLayout)
	}

	return m.skip(m.length)
}

// parseHeader reads the marker segments of a baseline JPEG up to and including
// the first SOS header. It returns the frame description and records where
// the entropy-coded segment begins.
func parseHeader(data []byte) (*frame, error) {
	return readMarkers(data, false)
}

// parseConfig reads the marker segments up to the frame header only.
func parseConfig(data []byte) (*frame, error) {
	return readMarkers(data, true)
}

func readMarkers(data []byte, configOnly bool) (*frame, error) {
	m := &markerReader{data: data, size: len(data)}

	// Check for SOI (Start of Image) marker.
	if m.size < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("missing SOI: %w", ErrMalformedHeader)
	}

	if err := m.skip(2); err != nil {
		return nil, err
	}

	f := new(frame)
	var sofDecoded bool
	var qtAvail int

	for {
		if m.size < 2 {
			return nil, fmt.Errorf("no scan found: %w", ErrMalformedHeader)
		}

		if data[m.pos] != 0xFF {
			return nil, fmt.Errorf("expected marker at offset %d: %w", m.pos, ErrMalformedHeader)
		}

		marker := data[m.pos+1]
		if err := m.skip(2); err != nil {
			return nil, err
		}

		var err error
		switch marker {
		case 0xC0, 0xC1: // SOF0, SOF1 (Huffman, 8-bit sequential)
			if sofDecoded {
				return nil, fmt.Errorf("duplicate SOF: %w", ErrMalformedHeader)
			}

			err = m.decodeSOF(f)
			sofDecoded = true

			if configOnly && err == nil {
				return f, nil
			}
		case 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			// Progressive, lossless, hierarchical or arithmetic coded frames
			// cannot be resumed tile by tile.
			return nil, fmt.Errorf("SOF 0x%02x: %w", marker, ErrUnsupportedLayout)
		case 0xC4: // DHT
			err = m.decodeDHT(f)
		case 0xDB: // DQT
			err = m.decodeDQT(f, &qtAvail)
		case 0xDD: // DRI
			err = m.decodeDRI(f)
		case 0xDA: // SOS
			if !sofDecoded {
				return nil, fmt.Errorf("scan before frame: %w", ErrMalformedHeader)
			}

			if err := m.decodeSOS(f, qtAvail); err != nil {
				return nil, err
			}

			f.scanStart = m.pos

			return f, nil
		case 0xD9: // EOI
			return nil, fmt.Errorf("EOI before scan: %w", ErrMalformedHeader)
		case 0xEE: // APP14 (Adobe)
			err = m.decodeAPP14(f)
		case 0xFF:
			// Fill byte; the marker code follows.
			m.pos--
			m.size++
		default:
			switch {
			case marker >= 0xE0 && marker <= 0xEF, marker == 0xFE: // APPn, COM
				err = m.skipMarker()
			case marker >= 0xD0 && marker <= 0xD7:
				// Stray RSTn; no payload.
			default:
				err = m.skipMarker()
			}
		}

		if err != nil {
			return nil, err
		}
	}
}

// totalMCUs returns the number of MCUs in the scan.
func (f *frame) totalMCUs() int {
	return f.mbWidth * f.mbHeight
}

// checkScanSize rejects frames whose entropy-coded data is too short to hold
// every block. A block takes at least two bits: a DC code and an EOB code.
func (f *frame) checkScanSize(dataLen int) error {
	blocks := 0
	for i := 0; i < f.ncomp; i++ {
		blocks += f.comp[i].ssX * f.comp[i].ssY
	}

	need := int64(f.totalMCUs()) * int64(blocks) * 2
	if have := int64(dataLen-f.scanStart) * 8; have < need {
		return fmt.Errorf("%d scan bits for %d MCUs: %w", have, f.totalMCUs(), ErrTruncatedStream)
	}

	return nil
}
