// Package imaging holds the frame geometry shared by the decoder and the
// face cropper. It has no OpenCV dependency.
package imaging

import (
	"fmt"
	"image"
)

// RawFrame is a decoded frame in packed BGR24.
type RawFrame struct {
	Width  int
	Height int
	BGR    []byte
}

// Validate checks that the pixel buffer matches the dimensions.
func (f RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid dims: %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.BGR) < want {
		return fmt.Errorf("short frame: %d < %d", len(f.BGR), want)
	}
	return nil
}

// DecodeSize fits width x height inside maxW x maxH keeping the aspect
// ratio. Results are even and at least 2.
func DecodeSize(width, height, maxW, maxH int) (int, int) {
	if width <= maxW && height <= maxH {
		return width, height
	}

	scale := min(float64(maxW)/float64(width), float64(maxH)/float64(height))
	w := int(float64(width)*scale) / 2 * 2
	h := int(float64(height)*scale) / 2 * 2
	return max(w, 2), max(h, 2)
}

// ScaleRect maps a rectangle found on a downscaled image back to the
// original by dividing by scale.
func ScaleRect(r image.Rectangle, scale float64) image.Rectangle {
	if scale == 1 || scale <= 0 {
		return r
	}
	return image.Rect(
		int(float64(r.Min.X)/scale),
		int(float64(r.Min.Y)/scale),
		int(float64(r.Max.X)/scale),
		int(float64(r.Max.Y)/scale),
	)
}

// LargestFace picks the biggest rectangle whose sides are both at least
// minSize.
func LargestFace(rects []image.Rectangle, minSize int) (image.Rectangle, bool) {
	var best image.Rectangle
	maxArea := 0
	for _, r := range rects {
		area := r.Dx() * r.Dy()
		if area > maxArea && r.Dx() >= minSize && r.Dy() >= minSize {
			maxArea = area
			best = r
		}
	}
	return best, maxArea > 0
}

// ExpandSquare grows face by ratio on every side, then turns it into a
// square centred on the face and clamped to the image.
func ExpandSquare(face image.Rectangle, imgW, imgH int, ratio float64) image.Rectangle {
	ex := int(float64(face.Dx()) * ratio)
	ey := int(float64(face.Dy()) * ratio)
	grown := image.Rect(face.Min.X-ex, face.Min.Y-ey, face.Max.X+ex, face.Max.Y+ey).
		Intersect(image.Rect(0, 0, imgW, imgH))

	size := max(grown.Dx(), grown.Dy())
	cx := grown.Min.X + grown.Dx()/2
	cy := grown.Min.Y + grown.Dy()/2

	x1, x2 := clampSpan(cx-size/2, size, imgW)
	y1, y2 := clampSpan(cy-size/2, size, imgH)
	return image.Rect(x1, y1, x2, y2)
}

// clampSpan shifts [start, start+size) into [0, limit), shrinking it only
// when size exceeds limit.
func clampSpan(start, size, limit int) (int, int) {
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > limit {
		end = limit
		start = max(limit-size, 0)
	}
	return start, end
}

// Letterbox returns the side of the square canvas that fits w x h and the
// offset at which the original is placed so it is centred.
func Letterbox(w, h int) (size int, offset image.Point) {
	size = max(w, h)
	return size, image.Pt((size-w)/2, (size-h)/2)
}
