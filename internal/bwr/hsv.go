// Package bwr reduces full-color images to the black/white/red palette of a
// tri-color e-paper panel.
//
// The heuristic works in HSV space: value separates black from everything
// else, and a folded hue plus saturation separate red from white. All three
// thresholds are estimated per image with Otsu's method, so no constant needs
// tuning for a particular photograph.
package bwr

import (
	"image"
	"image/color"
	"math"
)

// HSV converts an 8-bit RGB triple to hue, saturation and value.
//
// All results are in [0,1]. Hue is expressed in turns with red at 0 and is
// wrapped into [0,1). A gray input (max == min) has hue 0 and saturation 0.
func HSV(r, g, b uint8) (h, s, v float64) {
	cmax := max(r, g, b)
	cmin := min(r, g, b)
	delta := float64(cmax) - float64(cmin)

	if delta != 0 {
		fr, fg, fb := float64(r), float64(g), float64(b)
		switch cmax {
		case r:
			h = math.Mod((fg-fb)/delta, 6)
			if h < 0 {
				h += 6
			}
		case g:
			h = (fb-fr)/delta + 2
		default:
			h = (fr-fg)/delta + 4
		}
		h /= 6
		if h >= 1 {
			h -= 1
		}
	}
	if cmax != 0 {
		s = delta / float64(cmax)
	}
	v = fromUnorm8(cmax)
	return h, s, v
}

// Fold maps a hue in turns onto a reddish distance: hues near red (0 or 1)
// fold towards 1, hues near cyan (0.5) fold towards 0.
func Fold(h float64) float64 {
	return math.Abs(h-0.5) * 2
}

// toUnorm8 converts a normalized value to a byte, rounding to nearest.
func toUnorm8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, math.Min(1, v))
	return uint8(math.Round(v * math.MaxUint8))
}

func fromUnorm8(v uint8) float64 {
	return float64(v) / math.MaxUint8
}

// rgbAt reads a pixel as opaque 8-bit RGB. Pixels that are mostly
// transparent read as white paper.
func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	var c color.NRGBA
	if n, ok := img.(*image.NRGBA); ok {
		i := n.PixOffset(x, y)
		c = color.NRGBA{R: n.Pix[i], G: n.Pix[i+1], B: n.Pix[i+2], A: n.Pix[i+3]}
	} else {
		c = color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	}
	if c.A < 128 {
		return 0xff, 0xff, 0xff
	}
	return c.R, c.G, c.B
}

// opaque presents an image through rgbAt so every consumer sees the same
// pixels, including the dithering path in image/draw.
type opaque struct {
	image.Image
}

func (o opaque) At(x, y int) color.Color {
	r, g, b := rgbAt(o.Image, x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

func (o opaque) ColorModel() color.Model { return color.RGBAModel }
