package monitor

import (
	"fmt"
	"image"
)

// maxSquaredDelta is the largest possible squared difference between
// two 8-bit intensities (255 * 255). Dividing by it maps raw MSE onto
// [0, 1]: identical frames score exactly 0.0, a full black-to-white
// flip scores exactly 1.0.
const maxSquaredDelta = 65025.0

// Score computes the normalized mean squared error between two
// grayscale frames of identical dimensions.
func Score(a, b *image.Gray) (float64, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("compare frames: nil frame")
	}

	ab, bb := a.Bounds(), b.Bounds()
	w, h := ab.Dx(), ab.Dy()
	if w != bb.Dx() || h != bb.Dy() {
		return 0, fmt.Errorf("compare frames: shape mismatch %dx%d vs %dx%d",
			w, h, bb.Dx(), bb.Dy())
	}
	if w <= 0 || h <= 0 {
		return 0, fmt.Errorf("compare frames: empty frame %dx%d", w, h)
	}

	var sum float64
	for y := 0; y < h; y++ {
		ra := a.Pix[a.PixOffset(ab.Min.X, ab.Min.Y+y):]
		rb := b.Pix[b.PixOffset(bb.Min.X, bb.Min.Y+y):]
		for x := 0; x < w; x++ {
			d := float64(ra[x]) - float64(rb[x])
			sum += d * d
		}
	}
	return sum / (float64(w*h) * maxSquaredDelta), nil
}
