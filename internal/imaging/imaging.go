// Package imaging holds small, shared pixel-format helpers used by the
// clip recorder and the person-capture hook: converting the raw BGR24
// frame format into a standard image.Image, and resizing crops.
package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// BGRToRGBA converts raw BGR24 bytes (width*height*3 bytes, no padding)
// into an image.RGBA.
func BGRToRGBA(bgr []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			if i+2 >= len(bgr) {
				continue
			}
			o := img.PixOffset(x, y)
			img.Pix[o] = bgr[i+2]
			img.Pix[o+1] = bgr[i+1]
			img.Pix[o+2] = bgr[i]
			img.Pix[o+3] = 0xff
		}
	}
	return img
}

// ResizeLongestSide scales img so its longest side is at most maxSide,
// preserving aspect ratio. Returns img unchanged if it already fits.
func ResizeLongestSide(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return img
	}
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxSide {
		return img
	}

	scale := float64(maxSide) / float64(longest)
	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
