// Package convert packs tri-level images into the 1bpp planes consumed by
// tri-color e-paper controllers.
//
// Packing rules:
//
//   - Two planes per image: White and Red.
//   - A 0 bit asserts the plane's ink: White has 0 where the pixel is black,
//     Red has 0 where the pixel is red. Every other bit is 1.
//   - Planes are row-major, MSB-first:
//     byteIndex = y * Stride + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - Stride is ceil(Width / 8). When Width is not a multiple of 8 the unused
//     low bits of the last byte in each row are 1.
package convert

import (
	"errors"
	"fmt"
	"image"

	"epdframe/internal/bwr"
)

// ErrMalformed reports input whose size or layout does not match what the
// display expects.
var ErrMalformed = errors.New("malformed input")

// Plane is a packed 1bpp bitmap.
type Plane struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// NewPlane returns a plane with every bit set (nothing asserted).
func NewPlane(width, height int) Plane {
	stride := (width + 7) / 8
	p := Plane{
		Width:  width,
		Height: height,
		Stride: stride,
		Pix:    make([]byte, stride*height),
	}
	for i := range p.Pix {
		p.Pix[i] = 0xff
	}
	return p
}

// Asserted reports whether the bit at (x, y) is 0.
func (p Plane) Asserted(x, y int) bool {
	return p.Pix[y*p.Stride+(x>>3)]&(0x80>>(x&7)) == 0
}

func (p Plane) assert(x, y int) {
	p.Pix[y*p.Stride+(x>>3)] &^= 0x80 >> (x & 7)
}

func (p Plane) release(x, y int) {
	p.Pix[y*p.Stride+(x>>3)] |= 0x80 >> (x & 7)
}

// Planes is the pair of planes describing one tri-color image.
type Planes struct {
	White Plane
	Red   Plane
}

// NewPlanes returns blank (all white) planes.
func NewPlanes(width, height int) Planes {
	return Planes{White: NewPlane(width, height), Red: NewPlane(width, height)}
}

// Width returns the width in pixels.
func (p Planes) Width() int { return p.White.Width }

// Height returns the height in pixels.
func (p Planes) Height() int { return p.White.Height }

// Pack converts tri into planes for a width x height display.
//
// If tri is height x width instead, it is taken as a landscape bitmap for a
// portrait display (or the reverse) and rotated by remapping (x, y) to
// (y, height-1-x). Any other size is rejected.
func Pack(tri *bwr.TriLevel, width, height int) (Planes, error) {
	var remap func(x, y int) (int, int)
	switch {
	case tri.Width == width && tri.Height == height:
		remap = func(x, y int) (int, int) { return x, y }
	case tri.Width == height && tri.Height == width:
		remap = func(x, y int) (int, int) { return y, height - 1 - x }
	default:
		return Planes{}, fmt.Errorf("convert: image is %dx%d, display is %dx%d: %w",
			tri.Width, tri.Height, width, height, ErrMalformed)
	}

	p := NewPlanes(width, height)
	for y := 0; y < tri.Height; y++ {
		row := tri.Pix[y*tri.Width : (y+1)*tri.Width]
		for x, l := range row {
			if l == bwr.White {
				continue
			}
			dx, dy := remap(x, y)
			switch l {
			case bwr.Black:
				p.White.assert(dx, dy)
			case bwr.Red:
				p.Red.assert(dx, dy)
			}
		}
	}
	return p, nil
}

// PackImage quantizes img with thresholds estimated from img itself and packs
// the result for a width x height display.
func PackImage(img image.Image, width, height int, dither bool) (Planes, bwr.Thresholds, error) {
	tri, t := bwr.Convert(img, dither)
	p, err := Pack(tri, width, height)
	return p, t, err
}

// Unpack reverses Pack for an upright image. A pixel asserted in the white
// plane is black, otherwise a pixel asserted in the red plane is red.
func Unpack(p Planes) (*bwr.TriLevel, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	tri := bwr.NewTriLevel(p.Width(), p.Height())
	for y := 0; y < p.Height(); y++ {
		for x := 0; x < p.Width(); x++ {
			switch {
			case p.White.Asserted(x, y):
				tri.SetLevel(x, y, bwr.Black)
			case p.Red.Asserted(x, y):
				tri.SetLevel(x, y, bwr.Red)
			}
		}
	}
	return tri, nil
}

func (p Planes) check() error {
	w, r := p.White, p.Red
	if w.Width != r.Width || w.Height != r.Height {
		return fmt.Errorf("convert: plane sizes differ (%dx%d vs %dx%d): %w",
			w.Width, w.Height, r.Width, r.Height, ErrMalformed)
	}
	for _, pl := range []Plane{w, r} {
		if pl.Stride != (pl.Width+7)/8 || len(pl.Pix) != pl.Stride*pl.Height {
			return fmt.Errorf("convert: plane %dx%d has %d bytes with stride %d: %w",
				pl.Width, pl.Height, len(pl.Pix), pl.Stride, ErrMalformed)
		}
	}
	return nil
}

// Paste copies sub into p with its top-left corner at (x, y). x must be a
// multiple of 8 so rows stay byte aligned.
func (p Planes) Paste(x, y int, sub Planes) error {
	if err := sub.check(); err != nil {
		return err
	}
	if x%8 != 0 {
		return fmt.Errorf("convert: paste x offset %d is not byte aligned: %w", x, ErrMalformed)
	}
	if x < 0 || y < 0 || x+sub.Width() > p.Width() || y+sub.Height() > p.Height() {
		return fmt.Errorf("convert: %dx%d at (%d,%d) exceeds %dx%d: %w",
			sub.Width(), sub.Height(), x, y, p.Width(), p.Height(), ErrMalformed)
	}

	for _, pair := range [][2]Plane{{p.White, sub.White}, {p.Red, sub.Red}} {
		dst, src := pair[0], pair[1]
		for sy := 0; sy < src.Height; sy++ {
			if src.Width%8 == 0 {
				off := (y+sy)*dst.Stride + x/8
				copy(dst.Pix[off:off+src.Stride], src.Pix[sy*src.Stride:(sy+1)*src.Stride])
				continue
			}
			for sx := 0; sx < src.Width; sx++ {
				if src.Asserted(sx, sy) {
					dst.assert(x+sx, y+sy)
				} else {
					dst.release(x+sx, y+sy)
				}
			}
		}
	}
	return nil
}

// Crop returns a copy of the rectangle r of p.
func (p Planes) Crop(r image.Rectangle) (Planes, error) {
	if err := p.check(); err != nil {
		return Planes{}, err
	}
	b := image.Rect(0, 0, p.Width(), p.Height())
	if r.Empty() || !r.In(b) {
		return Planes{}, fmt.Errorf("convert: crop %v outside %v: %w", r, b, ErrMalformed)
	}

	out := NewPlanes(r.Dx(), r.Dy())
	for _, pair := range [][2]Plane{{out.White, p.White}, {out.Red, p.Red}} {
		dst, src := pair[0], pair[1]
		for y := 0; y < dst.Height; y++ {
			if r.Min.X%8 == 0 && dst.Width%8 == 0 {
				off := (r.Min.Y+y)*src.Stride + r.Min.X/8
				copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[off:off+dst.Stride])
				continue
			}
			for x := 0; x < dst.Width; x++ {
				if src.Asserted(r.Min.X+x, r.Min.Y+y) {
					dst.assert(x, y)
				}
			}
		}
	}
	return out, nil
}
