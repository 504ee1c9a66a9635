package source

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"

	"epdframe/internal/convert"
)

// FormatRaw is the format query value of a pre-quantized rectangle.
const FormatRaw = "bwr-raw"

// QuadrantURL adds the rectangle query of r to base:
// ?x=&y=&width=&height=&format=bwr-raw. Existing query values are kept.
func QuadrantURL(base string, r image.Rectangle) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("source: quadrant URL: %w", err)
	}
	q := u.Query()
	q.Set("x", strconv.Itoa(r.Min.X))
	q.Set("y", strconv.Itoa(r.Min.Y))
	q.Set("width", strconv.Itoa(r.Dx()))
	q.Set("height", strconv.Itoa(r.Dy()))
	q.Set("format", FormatRaw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Quadrant fetches the rectangle r of the frame served at base as
// "bwr-raw" and returns its planes. A body of the wrong size is rejected
// with convert.ErrMalformed.
func (f *Fetcher) Quadrant(ctx context.Context, base string, r image.Rectangle) (convert.Planes, error) {
	u, err := QuadrantURL(base, r)
	if err != nil {
		return convert.Planes{}, err
	}
	res, err := f.Fetch(ctx, u)
	if err != nil {
		return convert.Planes{}, err
	}
	p, err := convert.SplitRaw(res.Body, r.Dx(), r.Dy())
	if err != nil {
		return convert.Planes{}, fmt.Errorf("source: quadrant %v: %w", r, err)
	}
	return p, nil
}
