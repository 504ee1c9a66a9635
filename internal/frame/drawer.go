package frame

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"periph.io/x/conn/v3/display"

	"epdframe/internal/bwr"
	"epdframe/internal/convert"
)

func (f *Frame) String() string {
	return fmt.Sprintf("frame{%s}", f.panel.Model().Name)
}

// Halt implements conn.Resource. It puts the panel to sleep.
func (f *Frame) Halt() error {
	return f.Sleep(context.Background())
}

// ColorModel implements display.Drawer.
func (f *Frame) ColorModel() color.Model {
	return bwr.Palette
}

// Bounds implements display.Drawer.
func (f *Frame) Bounds() image.Rectangle {
	return f.panel.Model().Bounds()
}

// Draw implements display.Drawer. The panel only refreshes whole frames: the
// area outside r is redrawn from the last frame shown, or white.
func (f *Frame) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	b := f.Bounds()
	r = r.Intersect(b)
	if r.Empty() {
		return nil
	}

	canvas := image.NewRGBA(b)
	if last, ok := f.Last(); ok {
		if tri, err := convert.Unpack(last.Planes); err == nil {
			draw.Draw(canvas, b, tri, image.Point{}, draw.Src)
		}
	} else {
		draw.Draw(canvas, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	draw.Draw(canvas, r, src, sp, draw.Over)

	ctx := context.Background()
	if f.opts.DrawTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.DrawTimeout)
		defer cancel()
	}
	m := f.panel.Model()
	p, t, err := convert.PackImage(canvas, m.Width, m.Height, f.opts.Dither)
	if err != nil {
		return err
	}
	return f.cycle(ctx, Snapshot{Planes: p, Thresholds: t, Quantized: true, Source: "draw"})
}

var _ display.Drawer = (*Frame)(nil)
