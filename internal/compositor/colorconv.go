package compositor

import "sync"

// nv12Pool pools NV12 buffers for a fixed resolution.
var nv12Pool = struct {
	pool sync.Pool
	w, h int
	mu   sync.Mutex
}{}

func getNV12Buffer(w, h int) []byte {
	size := w*h + w*h/2 // Y + UV
	nv12Pool.mu.Lock()
	if nv12Pool.w == w && nv12Pool.h == h {
		nv12Pool.mu.Unlock()
		if v := nv12Pool.pool.Get(); v != nil {
			return v.([]byte)
		}
		return make([]byte, size)
	}
	nv12Pool.w = w
	nv12Pool.h = h
	nv12Pool.pool = sync.Pool{}
	nv12Pool.mu.Unlock()
	return make([]byte, size)
}

// PutNV12Buffer returns a conversion buffer to the pool once the encoder
// has consumed it.
func PutNV12Buffer(buf []byte) {
	nv12Pool.pool.Put(buf)
}

// bgraToNV12 converts BGRA pixel data to NV12 for the encoder.
// NV12 layout: [Y plane: w*h bytes] [UV interleaved plane: w*h/2 bytes].
// Uses BT.601 coefficients with fixed-point integer arithmetic; fullRange
// selects full-swing (0-255) instead of studio-swing (16-235) output.
func bgraToNV12(bgra []byte, width, height, stride int, fullRange bool) []byte {
	nv12 := getNV12Buffer(width, height)
	yPlane := nv12[:width*height]
	uvPlane := nv12[width*height:]

	for y := 0; y < height; y++ {
		rowOff := y * stride
		yOff := y * width

		for x := 0; x < width; x++ {
			pi := rowOff + x*4
			b := int(bgra[pi+0])
			g := int(bgra[pi+1])
			r := int(bgra[pi+2])

			var yVal int
			if fullRange {
				// Y = 0.299R + 0.587G + 0.114B, full swing
				yVal = (77*r + 150*g + 29*b + 128) >> 8
				if yVal > 255 {
					yVal = 255
				}
			} else {
				// Y = (66R + 129G + 25B + 128) >> 8 + 16, studio swing
				yVal = (66*r+129*g+25*b+128)>>8 + 16
				if yVal > 235 {
					yVal = 235
				}
				if yVal < 16 {
					yVal = 16
				}
			}
			yPlane[yOff+x] = byte(yVal)

			// Subsample UV: one pair per 2x2 block, top-left sample.
			if y%2 == 0 && x%2 == 0 {
				uVal := (-38*r-74*g+112*b+128)>>8 + 128
				vVal := (112*r-94*g-18*b+128)>>8 + 128
				if fullRange {
					uVal = clampByte(uVal, 0, 255)
					vVal = clampByte(vVal, 0, 255)
				} else {
					uVal = clampByte(uVal, 16, 240)
					vVal = clampByte(vVal, 16, 240)
				}
				uvIdx := (y/2)*width + (x/2)*2
				uvPlane[uvIdx+0] = byte(uVal)
				uvPlane[uvIdx+1] = byte(vVal)
			}
		}
	}
	return nv12
}

func clampByte(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
