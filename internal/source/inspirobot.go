package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"strings"
)

// DefaultInspiroBot is the public InspiroBot endpoint.
const DefaultInspiroBot = "https://inspirobot.me"

// InspiroBot asks endpoint (DefaultInspiroBot when empty) to generate a
// poster and returns its image URL.
func (f *Fetcher) InspiroBot(ctx context.Context, endpoint string) (string, error) {
	if endpoint == "" {
		endpoint = DefaultInspiroBot
	}
	api := strings.TrimRight(endpoint, "/") + "/api?generate=true"

	// Every call generates a new poster; do not cache it.
	res, err := (&Fetcher{client: f.client}).Fetch(ctx, api)
	if err != nil {
		return "", err
	}
	raw := string(bytes.TrimSpace(res.Body))
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("source: inspirobot returned %q, not an image URL", raw)
	}
	return u.String(), nil
}

// InspiroBotImage generates a poster and fetches it.
func (f *Fetcher) InspiroBotImage(ctx context.Context, endpoint string) (image.Image, error) {
	u, err := f.InspiroBot(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return f.Image(ctx, u)
}
