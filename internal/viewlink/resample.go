package viewlink

import (
	"fmt"
)

const bytesPerPixel = 4

// Resample scales a packed RGBA image of sw x sh pixels to dw x dh using
// nearest-neighbour sampling.
func Resample(src []byte, sw, sh, dw, dh int) ([]byte, error) {
	if sw < 1 || sh < 1 || dw < 1 || dh < 1 {
		return nil, fmt.Errorf("%w: resample %dx%d to %dx%d", ErrBadLink, sw, sh, dw, dh)
	}
	if len(src) != sw*sh*bytesPerPixel {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrBadLink, len(src), sw, sh)
	}
	if sw == dw && sh == dh {
		return append([]byte(nil), src...), nil
	}
	dst := make([]byte, dw*dh*bytesPerPixel)
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			si := (sy*sw + sx) * bytesPerPixel
			di := (y*dw + x) * bytesPerPixel
			copy(dst[di:di+bytesPerPixel], src[si:si+bytesPerPixel])
		}
	}
	return dst, nil
}
