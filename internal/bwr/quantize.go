package bwr

import (
	"image"
	"image/color"
	"image/draw"
)

// Classify applies the heuristic to one pixel: dark pixels are black,
// saturated reddish pixels are red and everything else is white.
func (t Thresholds) Classify(r, g, b uint8) Level {
	h, s, v := HSV(r, g, b)
	if v <= t.Val {
		return Black
	}
	if Fold(h) > t.Hue && s > t.Sat {
		return Red
	}
	return White
}

// Convert estimates thresholds for img and quantizes it with them.
func Convert(img image.Image, dither bool) (*TriLevel, Thresholds) {
	t := Estimate(img)
	return Quantize(img, t, dither), t
}

// Quantize reduces img to three levels using t.
//
// Without dithering every pixel is classified on its own. With dithering the
// Floyd-Steinberg error of each classification is carried to the unvisited
// neighbours, in a single raster-order pass.
func Quantize(img image.Image, t Thresholds, dither bool) *TriLevel {
	b := img.Bounds()
	out := NewTriLevel(b.Dx(), b.Dy())

	if dither {
		draw.FloydSteinberg.Draw(&classifier{out: out, t: t}, out.Bounds(), opaque{img}, b.Min)
		return out
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Width+x] = t.Classify(rgbAt(img, b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// classifier is the dithering target. image/draw hands it each pixel with the
// accumulated error; Set picks the level with the threshold rule and At
// reports the chosen palette color back so the residual can be diffused.
type classifier struct {
	out *TriLevel
	t   Thresholds
}

func (c *classifier) ColorModel() color.Model { return Palette }
func (c *classifier) Bounds() image.Rectangle { return c.out.Bounds() }
func (c *classifier) At(x, y int) color.Color { return c.out.At(x, y) }

func (c *classifier) Set(x, y int, col color.Color) {
	r, g, b, _ := col.RGBA()
	c.out.SetLevel(x, y, c.t.Classify(uint8(r>>8), uint8(g>>8), uint8(b>>8)))
}
