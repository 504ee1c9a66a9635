package convert

import "fmt"

// RawSize returns the length of a "bwr-raw" buffer for a width x height
// rectangle: the white plane followed by the red plane, no row padding.
//
// Unlike Planes, a "bwr-raw" plane sets a bit where its color is present:
// the white plane has 1 for white pixels, the red plane 1 for red pixels.
// A pixel set in neither is black.
func RawSize(width, height int) int {
	return 2 * width * height / 8
}

// SplitRaw parses a "bwr-raw" buffer into planes. The buffer must hold
// exactly RawSize(width, height) bytes and width must be a multiple of 8;
// anything else is rejected rather than truncated or padded.
func SplitRaw(raw []byte, width, height int) (Planes, error) {
	if width <= 0 || height <= 0 || width%8 != 0 {
		return Planes{}, fmt.Errorf("convert: raw rectangle %dx%d is not byte aligned: %w", width, height, ErrMalformed)
	}
	if want := RawSize(width, height); len(raw) != want {
		return Planes{}, fmt.Errorf("convert: raw buffer for %dx%d has %d bytes, want %d: %w",
			width, height, len(raw), want, ErrMalformed)
	}

	n := len(raw) / 2
	p := NewPlanes(width, height)
	for i, w := range raw[:n] {
		r := raw[n+i]
		p.White.Pix[i] = w | r
		p.Red.Pix[i] = ^r
	}
	return p, nil
}

// Raw encodes p in the "bwr-raw" layout accepted by SplitRaw.
func (p Planes) Raw() ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.Width()%8 != 0 {
		return nil, fmt.Errorf("convert: width %d is not byte aligned: %w", p.Width(), ErrMalformed)
	}
	n := len(p.White.Pix)
	out := make([]byte, 2*n)
	for i, w := range p.White.Pix {
		r := p.Red.Pix[i]
		out[i] = w & r
		out[n+i] = ^r
	}
	return out, nil
}
