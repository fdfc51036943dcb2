package jpegtile

// Bitstream handling

// cursor is the complete entropy decoding position inside the scan. Copying a
// cursor is enough to resume decoding at the MCU it was captured in front of,
// which is what a seek point is.
type cursor struct {
	pos       int    // Next byte of the entropy-coded segment.
	buf       uint64 // Bit buffer; the valid bits are the low bufBits.
	bufBits   int    // Number of valid bits in the bit buffer.
	padBits   int    // Trailing bits of buf that were synthesized, not read.
	markerHit bool   // A marker stopped the refill.
	dcPred    [3]int // DC prediction value per component.
	rstLeft   int    // MCUs left before the next restart marker.
	nextRst   int    // Expected RSTn number.
}

// errDecode is used for internal panics during the hot decoding path.
type errDecode struct{ error }

// bitReader reads the entropy-coded segment of a shared, read-only buffer.
type bitReader struct {
	cursor
	data []byte
}

// panic triggers an internal panic to signal a decoding error in the hot path.
func (r *bitReader) panic(err error) {
	panic(errDecode{err})
}

// fill makes sure at least 'bits' bits are buffered. It handles JPEG byte
// stuffing (0xFF00) and stops at markers. Past the end of data, or once a
// marker was hit, it pads with 1 bits and counts them in padBits so that
// consuming them can be told apart from consuming real data.
func (r *bitReader) fill(bits int) {
	for r.bufBits < bits && r.bufBits <= 56 {
		if r.markerHit || r.pos >= len(r.data) {
			r.buf = (r.buf << 8) | 0xFF
			r.bufBits += 8
			r.padBits += 8

			continue
		}

		b := r.data[r.pos]
		if b == 0xFF {
			if r.pos+1 >= len(r.data) {
				// A lone 0xFF at EOF is treated as data.
				r.pos++
			} else if r.data[r.pos+1] == 0x00 {
				// Stuffed 0xFF00: consume the 0x00 and treat 0xFF as data.
				r.pos += 2
			} else {
				// Marker: leave it for the restart logic and do not add this 0xFF.
				r.markerHit = true

				continue
			}
		} else {
			r.pos++
		}

		r.buf = (r.buf << 8) | uint64(b)
		r.bufBits += 8
	}
}

// showBits returns the next 'bits' bits without consuming them.
func (r *bitReader) showBits(bits int) int {
	if r.bufBits < bits {
		r.fill(bits)
	}

	return int((r.buf >> (r.bufBits - bits)) & ((1 << bits) - 1))
}

// skipBits consumes 'bits' bits. Consuming padding means the scan ended
// before the image did.
func (r *bitReader) skipBits(bits int) {
	if r.bufBits < bits {
		r.fill(bits)
	}

	r.bufBits -= bits
	if r.bufBits < r.padBits {
		r.panic(ErrTruncatedStream)
	}
}

// getBits reads and consumes 'bits' bits from the bitstream.
func (r *bitReader) getBits(bits int) int {
	if bits == 0 {
		return 0
	}

	res := r.showBits(bits)
	r.skipBits(bits)

	return res
}

// getVLC decodes one Huffman symbol and, for DC/AC values, the magnitude bits
// that follow it. It returns the sign-extended value and stores the symbol in
// code when code is not nil.
func (r *bitReader) getVLC(vlc *huffTable, code *uint8) int {
	// Peek 16 bits for Huffman lookup. This ensures the buffer is filled.
	value16 := r.showBits(16)

	entry := vlc[value16]
	huffBits := int(entry.bits)
	if huffBits == 0 {
		// Padding is all 1 bits, which is never a valid code.
		if r.padBits > 0 {
			r.panic(ErrTruncatedStream)
		}

		r.panic(ErrFatal)
	}

	huffCode := entry.code
	if code != nil {
		*code = huffCode
	}

	valBits := int(huffCode & 15)
	if valBits == 0 {
		r.skipBits(huffBits)

		return 0
	}

	totalBits := huffBits + valBits

	// Fast path: the Huffman code and the value are both buffered.
	if r.bufBits >= totalBits && r.bufBits-totalBits >= r.padBits {
		shift := r.bufBits - totalBits
		value := int((r.buf >> shift) & ((uint64(1) << valBits) - 1))
		r.bufBits = shift

		if value < (1 << (valBits - 1)) {
			value += ((-1) << valBits) + 1
		}

		return value
	}

	r.skipBits(huffBits)
	value := r.getBits(valBits)

	// Sign extension.
	if value < (1 << (valBits - 1)) {
		value += ((-1) << valBits) + 1
	}

	return value
}

// restart resynchronizes on the next RSTn marker and resets the predictors.
func (r *bitReader) restart(ncomp, interval int) {
	// Drop the byte-alignment padding left in the bit buffer.
	r.buf = 0
	r.bufBits = 0
	r.padBits = 0
	r.markerHit = false

	// Skip anything up to the marker, including fill bytes.
	for r.pos < len(r.data) && r.data[r.pos] != 0xFF {
		r.pos++
	}

	for r.pos+1 < len(r.data) && r.data[r.pos+1] == 0xFF {
		r.pos++
	}

	if r.pos+1 >= len(r.data) {
		r.panic(ErrTruncatedStream)
	}

	m := r.data[r.pos+1]
	if (m&0xF8) != 0xD0 || int(m&0x07) != r.nextRst {
		r.panic(ErrFatal)
	}

	r.pos += 2
	r.nextRst = (r.nextRst + 1) & 7
	r.rstLeft = interval

	for k := 0; k < ncomp; k++ {
		r.dcPred[k] = 0
	}
}
