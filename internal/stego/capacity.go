package stego

import (
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Capacity returns the payload bits a cover of pixelCount pixels can hold
// after the header. The result is negative for covers smaller than a header.
func Capacity(pixelCount int) int {
	return pixelCount - HeaderBits
}

// Fits reports whether a width x height payload plus header fits in pixelCount pixels.
func Fits(width, height, pixelCount int) bool {
	return width*height+HeaderBits <= pixelCount
}

// ResizePlan is the outcome of PlanResize.
type ResizePlan struct {
	Resize    bool `json:"resize"`
	Dimension int  `json:"dimension"`
}

// PlanResize decides whether a width x height payload must be shrunk to fit
// available payload bits. The target is always a square whose side is
// floor(sqrt(available)), so the plan depends only on available.
func PlanResize(width, height, available int) (ResizePlan, error) {
	if available <= 0 {
		return ResizePlan{}, fmt.Errorf("%w: no room after %d-bit header", ErrCapacityExceeded, HeaderBits)
	}
	d := isqrt(available)
	if d == 0 {
		return ResizePlan{}, fmt.Errorf("%w: %d bits available", ErrCapacityExceeded, available)
	}
	if width <= d && height <= d {
		return ResizePlan{Resize: false, Dimension: d}, nil
	}
	return ResizePlan{Resize: true, Dimension: d}, nil
}

// ResizeNearest scales b to a square of side d using nearest-neighbor
// sampling, so module edges stay hard and no gray levels are introduced.
func ResizeNearest(b Bitmap, d int) Bitmap {
	src := b.Gray()
	dst := image.NewGray(image.Rect(0, 0, d, d))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return BitmapFromImage(dst)
}

// isqrt returns floor(sqrt(n)) for n >= 0.
func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
