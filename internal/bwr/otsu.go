package bwr

import (
	"fmt"
	"image"
)

// Thresholds holds the per-image separation levels, each in [0,1].
type Thresholds struct {
	Hue float64 // folded hue
	Sat float64
	Val float64
}

func (t Thresholds) String() string {
	return fmt.Sprintf("bwr.Thresholds{hue=%.4f sat=%.4f val=%.4f}", t.Hue, t.Sat, t.Val)
}

// Planes computes the folded-hue, saturation and value planes of img, each
// re-quantized to 8 bits.
func Planes(img image.Image) (hue, sat, val *image.Gray) {
	b := img.Bounds()
	r := image.Rect(0, 0, b.Dx(), b.Dy())
	hue, sat, val = image.NewGray(r), image.NewGray(r), image.NewGray(r)

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			h, s, v := HSV(rgbAt(img, b.Min.X+x, b.Min.Y+y))
			i := hue.PixOffset(x, y)
			hue.Pix[i] = toUnorm8(Fold(h))
			sat.Pix[i] = toUnorm8(s)
			val.Pix[i] = toUnorm8(v)
		}
	}
	return hue, sat, val
}

// Estimate runs Otsu's method independently on the folded-hue, saturation
// and value planes of img. It never fails: a uniform or empty image yields
// zero thresholds.
func Estimate(img image.Image) Thresholds {
	hue, sat, val := Planes(img)
	return Thresholds{
		Hue: fromUnorm8(Otsu(Histogram(hue))),
		Sat: fromUnorm8(Otsu(Histogram(sat))),
		Val: fromUnorm8(Otsu(Histogram(val))),
	}
}

// Histogram counts the occurrences of each gray level.
func Histogram(g *image.Gray) [256]int {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, y):g.PixOffset(b.Max.X, y)]
		for _, p := range row {
			hist[p]++
		}
	}
	return hist
}

// Otsu returns the level maximizing the between-class variance of hist.
// Levels <= the result form the lower class. The first maximum wins, and a
// histogram with a single populated level returns 0.
func Otsu(hist [256]int) uint8 {
	total := 0
	sum := 0.0
	for level, n := range hist {
		total += n
		sum += float64(level) * float64(n)
	}

	var (
		best        uint8
		bestVar     float64
		lowerWeight int
		lowerSum    float64
	)
	for level, n := range hist {
		lowerWeight += n
		if lowerWeight == 0 {
			continue
		}
		upperWeight := total - lowerWeight
		if upperWeight == 0 {
			break
		}
		lowerSum += float64(level) * float64(n)

		lowerMean := lowerSum / float64(lowerWeight)
		upperMean := (sum - lowerSum) / float64(upperWeight)
		d := lowerMean - upperMean
		between := float64(lowerWeight) * float64(upperWeight) * d * d
		if between > bestVar {
			bestVar = between
			best = uint8(level)
		}
	}
	return best
}
