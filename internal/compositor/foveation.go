package compositor

import "math"

// encoderAlign is the pixel multiple hardware encoders require.
const encoderAlign = 32

// FoveationParams partition the render plane into a full-density central
// region and compressed peripheral bands.
type FoveationParams struct {
	CenterX float64 // fraction of the plane kept at full density, (0, 1)
	CenterY float64
	EdgeX   float64 // peripheral shrink factor, >= 1
	EdgeY   float64
}

// FoveationMap precomputes the per-axis inverse remap from foveated output
// pixels back to source pixels, so the remap pass is two LUT reads per
// pixel. One map serves one eye; both eyes share it.
type FoveationMap struct {
	SrcWidth  int
	SrcHeight int
	OutWidth  int // per eye
	OutHeight int

	srcX []int
	srcY []int
}

// foveatedExtent returns ceil((c + (1-c)/r) * target / align) * align.
func foveatedExtent(c, r float64, target int) int {
	out := (c + (1-c)/r) * float64(target)
	return int(math.Ceil(out/encoderAlign)) * encoderAlign
}

// NewFoveationMap builds the remap for one eye of srcWidth x srcHeight.
func NewFoveationMap(p FoveationParams, srcWidth, srcHeight int) *FoveationMap {
	m := &FoveationMap{
		SrcWidth:  srcWidth,
		SrcHeight: srcHeight,
		OutWidth:  foveatedExtent(p.CenterX, p.EdgeX, srcWidth),
		OutHeight: foveatedExtent(p.CenterY, p.EdgeY, srcHeight),
	}
	m.srcX = buildAxisLUT(p.CenterX, p.EdgeX, srcWidth, m.OutWidth)
	m.srcY = buildAxisLUT(p.CenterY, p.EdgeY, srcHeight, m.OutHeight)
	return m
}

// buildAxisLUT maps each output coordinate to its source coordinate. The
// central band is identity density; each peripheral band is linearly
// compressed by the edge ratio. Alignment padding stretches the mapping
// uniformly so the full source is always covered.
func buildAxisLUT(center, ratio float64, src, out int) []int {
	// Ideal (unaligned) output extents of the three bands.
	centerOut := center * float64(src)
	periphOut := (1 - center) * float64(src) / ratio
	idealOut := centerOut + periphOut
	// The aligned extent is >= ideal; scale maps aligned output pixels
	// onto the ideal layout.
	scale := idealOut / float64(out)

	halfPeriphOut := periphOut / 2
	halfPeriphSrc := (1 - center) * float64(src) / 2

	lut := make([]int, out)
	for o := 0; o < out; o++ {
		pos := (float64(o) + 0.5) * scale // position in ideal output space
		var srcPos float64
		switch {
		case pos < halfPeriphOut:
			srcPos = pos * ratio
		case pos < halfPeriphOut+centerOut:
			srcPos = halfPeriphSrc + (pos - halfPeriphOut)
		default:
			srcPos = halfPeriphSrc + centerOut + (pos-halfPeriphOut-centerOut)*ratio
		}
		s := int(srcPos)
		if s < 0 {
			s = 0
		}
		if s >= src {
			s = src - 1
		}
		lut[o] = s
	}
	return lut
}

// Remap resolves an output pixel to its source pixel.
func (m *FoveationMap) Remap(ox, oy int) (sx, sy int) {
	return m.srcX[ox], m.srcY[oy]
}

// Apply remaps one eye's BGRA pixels from src (srcStride bytes per row,
// viewport at srcX offset) into dst at dstX, dstStride.
func (m *FoveationMap) Apply(dst []byte, dstX, dstStride int, src []byte, srcX, srcStride int) {
	for oy := 0; oy < m.OutHeight; oy++ {
		sy := m.srcY[oy]
		srcRow := sy*srcStride + srcX*4
		dstRow := oy*dstStride + dstX*4
		for ox := 0; ox < m.OutWidth; ox++ {
			sx := m.srcX[ox]
			si := srcRow + sx*4
			di := dstRow + ox*4
			copy(dst[di:di+4], src[si:si+4])
		}
	}
}
