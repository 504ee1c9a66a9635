package frame

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// FitMode selects how a picture is scaled onto the panel.
type FitMode string

const (
	// FitContain scales the whole picture inside the panel and pads with
	// white.
	FitContain FitMode = "contain"
	// FitCover fills the panel and crops the overflow, centered.
	FitCover FitMode = "cover"
	// FitStretch scales each axis independently.
	FitStretch FitMode = "stretch"
)

// Valid reports whether m is a known mode.
func (m FitMode) Valid() bool {
	switch m {
	case FitContain, FitCover, FitStretch:
		return true
	}
	return false
}

// Orient returns the target size for img on a width x height panel. A
// picture whose orientation differs from the panel's is targeted at
// height x width; convert.Pack rotates it.
func Orient(img image.Image, width, height int) (int, int) {
	b := img.Bounds()
	if b.Dx() != b.Dy() && (b.Dx() > b.Dy()) != (width > height) && width != height {
		return height, width
	}
	return width, height
}

// Fit scales img with Catmull-Rom onto a white canvas sized by Orient.
func Fit(img image.Image, width, height int, mode FitMode) *image.RGBA {
	tw, th := Orient(img, width, height)
	canvas := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	sb := img.Bounds()
	if sb.Empty() {
		return canvas
	}
	if sb.Dx() == tw && sb.Dy() == th {
		draw.Draw(canvas, canvas.Bounds(), img, sb.Min, draw.Over)
		return canvas
	}

	xdraw.CatmullRom.Scale(canvas, fitRect(sb.Dx(), sb.Dy(), tw, th, mode), img, sb, draw.Over, nil)
	return canvas
}

// fitRect returns the destination rectangle of a sw x sh picture on a
// tw x th canvas. For FitCover it extends past the canvas and the scaler
// clips it.
func fitRect(sw, sh, tw, th int, mode FitMode) image.Rectangle {
	if mode == FitStretch {
		return image.Rect(0, 0, tw, th)
	}
	// Compare sw/sh with tw/th without floating point.
	wide := sw*th > tw*sh
	var dw, dh int
	if wide == (mode == FitCover) {
		dh = th
		dw = (sw*th + sh/2) / sh
	} else {
		dw = tw
		dh = (sh*tw + sw/2) / sw
	}
	x := (tw - dw) / 2
	y := (th - dh) / 2
	return image.Rect(x, y, x+dw, y+dh)
}
