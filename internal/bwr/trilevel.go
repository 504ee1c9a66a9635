package bwr

import (
	"image"
	"image/color"
	"image/draw"
)

// Level is one of the three colors an e-paper pixel can show.
type Level uint8

const (
	Black Level = iota
	White
	Red
)

func (l Level) String() string {
	switch l {
	case Black:
		return "black"
	case White:
		return "white"
	case Red:
		return "red"
	}
	return "invalid"
}

// Palette holds the rendering of each Level, indexed by Level.
var Palette = color.Palette{
	color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff},
	color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	color.RGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff},
}

var _ draw.Image = &TriLevel{}

// TriLevel is a Width x Height grid of Levels, origin at (0, 0).
type TriLevel struct {
	Width  int
	Height int
	Pix    []Level
}

// NewTriLevel returns an all-white image.
func NewTriLevel(width, height int) *TriLevel {
	t := &TriLevel{
		Width:  width,
		Height: height,
		Pix:    make([]Level, width*height),
	}
	for i := range t.Pix {
		t.Pix[i] = White
	}
	return t
}

func (t *TriLevel) ColorModel() color.Model { return Palette }

func (t *TriLevel) Bounds() image.Rectangle { return image.Rect(0, 0, t.Width, t.Height) }

func (t *TriLevel) At(x, y int) color.Color {
	return Palette[t.LevelAt(x, y)]
}

// Set stores the palette entry nearest to c.
func (t *TriLevel) Set(x, y int, c color.Color) {
	t.SetLevel(x, y, Level(Palette.Index(c)))
}

// LevelAt returns White outside the image bounds.
func (t *TriLevel) LevelAt(x, y int) Level {
	if !(image.Point{X: x, Y: y}.In(t.Bounds())) {
		return White
	}
	return t.Pix[y*t.Width+x]
}

func (t *TriLevel) SetLevel(x, y int, l Level) {
	if !(image.Point{X: x, Y: y}.In(t.Bounds())) {
		return
	}
	t.Pix[y*t.Width+x] = l
}

// Count returns the number of pixels of each Level, indexed by Level.
func (t *TriLevel) Count() [3]int {
	var n [3]int
	for _, l := range t.Pix {
		n[l]++
	}
	return n
}

// RGBA renders the image with the exact palette colors.
func (t *TriLevel) RGBA() *image.RGBA {
	out := image.NewRGBA(t.Bounds())
	for i, l := range t.Pix {
		c := Palette[l].(color.RGBA)
		copy(out.Pix[i*4:i*4+4], []uint8{c.R, c.G, c.B, c.A})
	}
	return out
}
