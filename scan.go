package jpegtile

// zz is the zigzag ordering table. It maps the 1D order of coefficients in the JPEG stream to their 2D position in an 8x8 block.
var zz = [64]int{
	0, 1, 8, 16, 9, 2, 3, 10, 17, 24, 32, 25, 18,
	11, 4, 5, 12, 19, 26, 33, 40, 48, 41, 34, 27, 20, 13, 6, 7, 14, 21, 28, 35,
	42, 49, 56, 57, 50, 43, 36, 29, 22, 15, 23, 30, 37, 44, 51, 58, 59, 52, 45,
	38, 31, 39, 46, 53, 60, 61, 54, 47, 55, 62, 63,
}

// decoderState is the mutable part of a decode: the entropy cursor plus the
// per-component working buffers for one MCU row. Everything else (tables,
// geometry, the compressed bytes) is read from the shared frame.
type decoderState struct {
	bitReader
	f       *frame
	block   [64]int32  // Coefficients of the block being decoded.
	planes  [3][]byte  // One MCU row of samples per component.
	strides [3]int     // Row stride of each plane.
	cols    int        // Number of MCUs the planes can hold.
}

// newDecoderState returns a state positioned at the first MCU of the scan.
func newDecoderState(f *frame, data []byte) *decoderState {
	st := &decoderState{f: f}
	st.data = data
	st.pos = f.scanStart
	st.rstLeft = f.rstInterval

	return st
}

// clone returns an independent state at the same position. The cursor is
// copied by value; working buffers are never shared between states.
func (st *decoderState) clone() *decoderState {
	c := &decoderState{f: st.f}
	c.data = st.data
	c.cursor = st.cursor

	return c
}

// seek moves the state to a previously captured cursor.
func (st *decoderState) seek(c cursor) {
	st.cursor = c
}

// ensurePlanes sizes the working buffers for 'cols' MCUs.
func (st *decoderState) ensurePlanes(cols int) {
	if cols <= st.cols {
		return
	}

	f := st.f
	for i := 0; i < f.ncomp; i++ {
		c := &f.comp[i]
		st.strides[i] = cols * c.ssX << 3
		st.planes[i] = make([]byte, st.strides[i]*(c.ssY<<3))
	}

	st.cols = cols
}

// decodeBlock decodes a single 8x8 block of component ci. This involves
// entropy decoding of DC and AC coefficients, dequantization, and applying the IDCT.
func (st *decoderState) decodeBlock(ci, outOffset int) {
	var code uint8

	f := st.f
	c := &f.comp[ci]

	// This clears the array to zeros.
	st.block = [64]int32{}

	qt := &f.qtab[c.qtSel]
	dcVLC := f.vlcTab[c.dcTabSel]
	acVLC := f.vlcTab[c.acTabSel+2]

	value := st.getVLC(dcVLC, nil)
	st.dcPred[ci] += value
	st.block[0] = int32(st.dcPred[ci]) * int32(qt[0])

	coef := 1
	for coef <= 63 {
		value = st.getVLC(acVLC, &code)

		if code == 0 { // EOB (End of Block)
			break
		}

		if (code & 0x0F) == 0 {
			if code != 0xF0 { // ZRL (Zero Run Length)
				st.panic(ErrFatal)
			}

			coef += 16

			continue
		}

		coef += int(code >> 4) // Skip zero coefficients.
		if coef > 63 {
			st.panic(ErrFatal)
		}

		// Dequantize and store in natural order.
		st.block[zz[coef]] = int32(value) * int32(qt[coef])
		coef++
	}

	idct(&st.block, st.planes[ci], outOffset, st.strides[ci])
}

// skipBlock entropy-decodes a block of component ci without reconstructing
// it. Only the bit position and the DC predictor advance.
func (st *decoderState) skipBlock(ci int) {
	var code uint8

	f := st.f
	c := &f.comp[ci]

	st.dcPred[ci] += st.getVLC(f.vlcTab[c.dcTabSel], nil)

	acVLC := f.vlcTab[c.acTabSel+2]
	for coef := 1; coef <= 63; {
		st.getVLC(acVLC, &code)

		if code == 0 {
			break
		}

		if (code & 0x0F) == 0 {
			if code != 0xF0 {
				st.panic(ErrFatal)
			}

			coef += 16

			continue
		}

		coef += int(code>>4) + 1
		if coef > 64 {
			st.panic(ErrFatal)
		}
	}
}

// decodeMCU decodes one MCU into the planes at MCU column col.
func (st *decoderState) decodeMCU(col int) {
	f := st.f
	for i := 0; i < f.ncomp; i++ {
		c := &f.comp[i]

		for sby := 0; sby < c.ssY; sby++ {
			for sbx := 0; sbx < c.ssX; sbx++ {
				offset := (sby<<3)*st.strides[i] + ((col*c.ssX + sbx) << 3)

				st.decodeBlock(i, offset)
			}
		}
	}
}

// skipMCU entropy-decodes one MCU without reconstructing it.
func (st *decoderState) skipMCU() {
	f := st.f
	for i := 0; i < f.ncomp; i++ {
		c := &f.comp[i]
		for n := c.ssX * c.ssY; n > 0; n-- {
			st.skipBlock(i)
		}
	}
}

// advance accounts for MCU number 'mcu' having been processed and consumes
// the restart marker that follows it, if any.
func (st *decoderState) advance(mcu int) {
	f := st.f
	if f.rstInterval == 0 {
		return
	}

	st.rstLeft--
	if st.rstLeft == 0 && mcu+1 < f.totalMCUs() {
		st.restart(f.ncomp, f.rstInterval)
	}
}

// run executes fn and converts hot-path panics into errors.
func (st *decoderState) run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if de, ok := r.(errDecode); ok {
				err = de.error
			} else {
				// Propagate other panics (e.g., runtime errors like index out of bounds)
				panic(r)
			}
		}
	}()

	fn()

	return nil
}
