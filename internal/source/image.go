package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Decode decodes a jpeg, png, gif, bmp or webp picture.
func Decode(body []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("source: decode image: %w", err)
	}
	return img, format, nil
}

// Image fetches and decodes the picture at u.
func (f *Fetcher) Image(ctx context.Context, u string) (image.Image, error) {
	res, err := f.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	img, _, err := Decode(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, redactURL(u))
	}
	return img, nil
}
