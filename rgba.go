package jpegtile

// Color conversion of one MCU row.
//
// Chroma is upsampled by nearest neighbour inside the MCU row, so a pixel only
// depends on the MCU it belongs to and a tile decode reproduces the whole
// image decode exactly.

// planeShift returns, per component, how far plane coordinates are shifted
// relative to full resolution coordinates.
func (f *frame) planeShift() (hs, vs [3]uint) {
	for i := 0; i < f.ncomp; i++ {
		c := &f.comp[i]
		for r := f.ssxMax / c.ssX; r > 1; r >>= 1 {
			hs[i]++
		}

		for r := f.ssyMax / c.ssY; r > 1; r >>= 1 {
			vs[i]++
		}
	}

	return hs, vs
}

// convertRow writes the pixels of row ly of the current MCU row into dst.
// xs holds the plane column of every destination pixel.
func (st *decoderState) convertRow(dst []byte, ly int, xs []int, format PixelFormat) {
	f := st.f
	hs, vs := f.planeShift()

	if f.ncomp == 1 {
		grayRow(st.planes[0][ly*st.strides[0]:], dst, xs, format)

		return
	}

	y := st.planes[0][(ly>>vs[0])*st.strides[0]:]
	cb := st.planes[1][(ly>>vs[1])*st.strides[1]:]
	cr := st.planes[2][(ly>>vs[2])*st.strides[2]:]

	switch {
	case f.isRGB && format == FormatGray:
		for i, x := range xs {
			r := uint32(y[x>>hs[0]])
			g := uint32(cb[x>>hs[1]])
			b := uint32(cr[x>>hs[2]])
			// Same weights as color.GrayModel.
			dst[i] = byte((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
		}
	case f.isRGB:
		for i, x := range xs {
			o := i << 2
			dst[o] = y[x>>hs[0]]
			dst[o+1] = cb[x>>hs[1]]
			dst[o+2] = cr[x>>hs[2]]
			dst[o+3] = 255
		}
	case format == FormatGray:
		for i, x := range xs {
			dst[i] = y[x>>hs[0]]
		}
	default:
		for i, x := range xs {
			yy := int32(y[x>>hs[0]]) << 8
			cbb := int32(cb[x>>hs[1]]) - 128
			crr := int32(cr[x>>hs[2]]) - 128

			o := i << 2
			dst[o] = clamp((yy + 359*crr + 128) >> 8)
			dst[o+1] = clamp((yy - 88*cbb - 183*crr + 128) >> 8)
			dst[o+2] = clamp((yy + 454*cbb + 128) >> 8)
			dst[o+3] = 255
		}
	}
}

// grayRow converts a luma plane row.
func grayRow(src, dst []byte, xs []int, format PixelFormat) {
	if format == FormatGray {
		for i, x := range xs {
			dst[i] = src[x]
		}

		return
	}

	for i, x := range xs {
		lum := src[x]
		o := i << 2
		dst[o] = lum
		dst[o+1] = lum
		dst[o+2] = lum
		dst[o+3] = 255
	}
}
